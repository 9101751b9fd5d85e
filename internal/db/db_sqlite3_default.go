//go:build !sqlite3_cgo

package db

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// pure Go driver backed by wasm, the default
const driverID = "ncruces/go-sqlite3"
const driverName = "sqlite3"
