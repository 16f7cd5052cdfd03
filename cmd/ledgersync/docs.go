package main

//go:generate swag init -g cmd/ledgersync/serve.go -o docs

// @title           Ledger Sync API
// @version         0.1.0
// @description     Incremental accounting sync: triggers, checkpoints, sessions and staged records.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
