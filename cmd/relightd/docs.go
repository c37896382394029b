package main

// General API documentation for swaggo. Run `swag init -g cmd/relightd/docs.go` to regenerate docs/.
//
// @title           relightd API
// @version         1.0
// @description     HTTP API for the ComfyUI light transfer pipeline.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
