// Package docs is regenerated from the handler annotations with
// `swag init -g cmd/api/main.go`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/healthz": {
            "get": {
                "produces": ["application/json"],
                "tags": ["System"],
                "summary": "Health check",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/v1/webhooks/{provider}": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Webhook"],
                "summary": "Billing provider webhook",
                "parameters": [
                    {"type": "string", "enum": ["revenuecat", "adapty", "appstore"], "name": "provider", "in": "path", "required": true},
                    {"name": "payload", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "Processed, no-op, unknown user or duplicate"},
                    "400": {"description": "Malformed payload or rejected event data"},
                    "401": {"description": "Bad shared secret"},
                    "500": {"description": "Store failure"}
                }
            }
        },
        "/api/v1/membership/status": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Membership"],
                "summary": "Membership status",
                "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized"}}
            }
        },
        "/api/v1/membership/purchase": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Membership"],
                "summary": "Confirm purchase",
                "parameters": [{"name": "request", "in": "body", "required": true, "schema": {"type": "object"}}],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad request"}}
            }
        },
        "/api/v1/membership/change_plan": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Membership"],
                "summary": "Change plan",
                "parameters": [{"name": "request", "in": "body", "required": true, "schema": {"type": "object"}}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "No active subscription"}}
            }
        },
        "/api/v1/membership/cancel": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Membership"],
                "summary": "Cancel subscription",
                "responses": {"200": {"description": "OK"}, "404": {"description": "No active subscription"}}
            }
        },
        "/api/v1/admin/list_subscriptions": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "List subscriptions (Admin)",
                "parameters": [{"name": "request", "in": "body", "required": true, "schema": {"type": "object"}}],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad request"}}
            }
        },
        "/api/v1/admin/subscription_summary": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "Subscription summary (Admin)",
                "parameters": [{"name": "request", "in": "body", "schema": {"type": "object"}}],
                "responses": {"200": {"description": "OK"}}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8888",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Entitlement API",
	Description:      "Subscription state reconciliation for billing provider webhooks and in-app purchases.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
