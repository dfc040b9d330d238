package apihttp

import (
	"net/http"
	"strconv"

	"github.com/genxfx/genx-gateway/internal/ratelimit"
	"github.com/genxfx/genx-gateway/internal/version"
)

type obj = map[string]any

func header(desc string) obj {
	return obj{"description": desc, "schema": obj{"type": "integer"}}
}

// openAPI describes what the gateway adds in front of every proxied
// operation: the rate limit headers and the 429 body.
func (a *API) openAPI(w http.ResponseWriter, r *http.Request) {
	admitted := obj{
		ratelimit.HeaderLimitMinute:     header("Requests allowed per minute"),
		ratelimit.HeaderLimitHour:       header("Requests allowed per hour"),
		ratelimit.HeaderRemainingMinute: header("Requests left in the current minute window"),
		ratelimit.HeaderRemainingHour:   header("Requests left in the current hour window"),
	}
	rejected := obj{
		ratelimit.HeaderRetryAfter:  header("Seconds until the exceeded window frees a slot"),
		ratelimit.HeaderLimitMinute: header("Requests allowed per minute"),
		ratelimit.HeaderLimitHour:   header("Requests allowed per hour"),
		ratelimit.HeaderBurst:       header("Requests allowed per second"),
	}

	doc := obj{
		"openapi": "3.0.3",
		"info": obj{
			"title":   "GenX FX Trading Platform API gateway",
			"version": a.version.Version,
			"description": "Requests are limited per client to " +
				strconv.Itoa(a.limits.Burst) + " per second, " +
				strconv.Itoa(a.limits.PerMinute) + " per minute and " +
				strconv.Itoa(a.limits.PerHour) + " per hour.",
			"x-gateway": version.AppName,
		},
		"paths": obj{
			"/health": obj{"get": obj{
				"summary":   "Gateway and dependency status, never rate limited",
				"responses": obj{"200": obj{"description": "Status report", "content": jsonSchema("Health")}},
			}},
			"/api/": obj{"get": obj{
				"summary": "Service banner",
				"responses": obj{
					"200": obj{"description": "Banner", "headers": admitted},
					"429": obj{"$ref": "#/components/responses/RateLimited"},
				},
			}},
		},
		"components": obj{
			"responses": obj{
				"RateLimited": obj{
					"description": "A rate limit window is full",
					"headers":     rejected,
					"content":     jsonSchema("RateLimitError"),
				},
			},
			"schemas": obj{
				"RateLimitError": obj{
					"type":     "object",
					"required": []string{"error", "message", "retry_after"},
					"properties": obj{
						"error":       obj{"type": "string", "example": "Rate limit exceeded"},
						"message":     obj{"type": "string", "example": ratelimit.Burst.Reason()},
						"retry_after": obj{"type": "integer", "minimum": 1},
					},
				},
				"Health": obj{
					"type": "object",
					"properties": obj{
						"status":         obj{"type": "string", "enum": []string{statusHealthy, statusDegraded}},
						"timestamp":      obj{"type": "string", "format": "date-time"},
						"version":        obj{"type": "string"},
						"services":       obj{"type": "object", "additionalProperties": obj{"type": "string"}},
						"uptime_seconds": obj{"type": "integer"},
					},
				},
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

func jsonSchema(name string) obj {
	return obj{"application/json": obj{"schema": obj{"$ref": "#/components/schemas/" + name}}}
}
