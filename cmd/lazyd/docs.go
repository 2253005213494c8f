package main

// General API documentation for swaggo.
//
// @title           lazyd API
// @version         1.0
// @description     HTTP API for lazy module loading, memory-aware unloading and live configuration.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
