// Package docs holds the OpenAPI description served under /swagger when the
// binary is built with -tags=swagger. Regenerate with `swag init -g cmd/relightd/docs.go`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/": {
            "post": {
                "description": "Transfers the lighting of image2 onto image1. Each image is base64 (raw or a data URI) or an http(s) URL. Without image2, image1 is its own lighting reference.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["relight"],
                "summary": "Relight an image",
                "parameters": [
                    {
                        "description": "images",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/types.RunRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.RunResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "504": {"description": "Gateway Timeout", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["status"],
                "summary": "Server status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 400},
                "error": {"type": "string", "example": "invalid JSON body"}
            }
        },
        "types.Image": {
            "type": "object",
            "properties": {
                "url": {"type": "string"},
                "content_type": {"type": "string"},
                "file_name": {"type": "string"},
                "file_size": {"type": "integer"},
                "width": {"type": "integer"},
                "height": {"type": "integer"}
            }
        },
        "types.RunRequest": {
            "type": "object",
            "properties": {
                "image1": {"type": "string"},
                "image2": {"type": "string"},
                "image1_url": {"type": "string", "example": "https://example.com/portrait.jpg"},
                "image2_url": {"type": "string", "example": "https://example.com/golden-hour.jpg"},
                "input": {"$ref": "#/definitions/types.RunRequest"}
            }
        },
        "types.RunResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "example": "success"},
                "prompt_id": {"type": "string"},
                "images": {"type": "array", "items": {"$ref": "#/definitions/types.Image"}}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "ready": {"type": "boolean"},
                "server_url": {"type": "string", "example": "http://127.0.0.1:8188"},
                "pid": {"type": "integer"},
                "inflight": {"type": "integer"},
                "max_concurrency": {"type": "integer", "example": 5},
                "uptime_seconds": {"type": "integer"},
                "server_time_unix": {"type": "integer"},
                "jobs_succeeded": {"type": "integer"},
                "jobs_failed": {"type": "integer"},
                "last_error": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "relightd API",
	Description:      "HTTP API for the ComfyUI light transfer pipeline.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
