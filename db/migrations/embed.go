// Package dbmigrations expõe as migrações SQL embutidas nos binários
package dbmigrations

import "embed"

//go:embed *.sql
var Files embed.FS
