package main

// General API documentation for swaggo. Run `swag init -g cmd/llamagate/docs.go` to regenerate docs.
//
// @title           llamagate API
// @version         1.0
// @description     HTTP gateway to one local llama.cpp model.
//
// @contact.name   llamagate maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
