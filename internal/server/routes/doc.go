// Package routes registers the /-/ diagnostics endpoints on the Fiber app.
package routes
