package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Lesson Sync API",
        "description": "Teacher/student scheduling with relationship consistency, cascade deletion and background jobs",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "tags": [
        {
            "name": "Booking",
            "description": "Teacher time blocks and student bookings"
        },
        {
            "name": "Consistency",
            "description": "Mirror validation and repair"
        },
        {
            "name": "Cascade",
            "description": "Transactional deletion and audits"
        },
        {
            "name": "Jobs",
            "description": "Background cascade and reconciliation jobs"
        },
        {
            "name": "Health",
            "description": "Health"
        }
    ],
    "paths": {
        "/health": {
            "get": {
                "tags": [
                    "Health"
                ],
                "summary": "Liveness check",
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                }
            }
        },
        "/ready": {
            "get": {
                "tags": [
                    "Health"
                ],
                "summary": "Readiness check",
                "responses": {
                    "200": {
                        "description": "Ready"
                    },
                    "503": {
                        "description": "A dependency is unreachable"
                    }
                }
            }
        },
        "/teachers/{id}/slots": {
            "post": {
                "tags": [
                    "Booking"
                ],
                "summary": "Create a time block for a teacher",
                "responses": {
                    "201": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Overlapping slot",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/CreateSlotRequest"
                        }
                    }
                ]
            }
        },
        "/teachers/{id}/schedule": {
            "get": {
                "tags": [
                    "Booking"
                ],
                "summary": "Weekly schedule of a teacher",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ]
            }
        },
        "/students/{id}/schedule": {
            "get": {
                "tags": [
                    "Booking"
                ],
                "summary": "Active lessons of a student",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ]
            }
        },
        "/slots/{slotId}": {
            "get": {
                "tags": [
                    "Booking"
                ],
                "summary": "Slot detail",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "slotId",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ]
            },
            "patch": {
                "tags": [
                    "Booking"
                ],
                "summary": "Update slot timing or details",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Overlapping slot",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "slotId",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/UpdateSlotRequest"
                        }
                    }
                ]
            }
        },
        "/slots/{slotId}/assignment": {
            "post": {
                "tags": [
                    "Booking"
                ],
                "summary": "Book a student into a slot",
                "responses": {
                    "201": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Slot taken or student busy",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "slotId",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/AssignStudentRequest"
                        }
                    }
                ]
            },
            "delete": {
                "tags": [
                    "Booking"
                ],
                "summary": "Release a booked slot",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "slotId",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ]
            }
        },
        "/admin/consistency": {
            "get": {
                "tags": [
                    "Consistency"
                ],
                "summary": "Scan teacher and student documents for inconsistencies",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "relationship",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    },
                    {
                        "name": "schedule",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    }
                ]
            }
        },
        "/admin/consistency/repair": {
            "post": {
                "tags": [
                    "Consistency"
                ],
                "summary": "Repair inconsistencies toward the declared authority",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": false,
                        "schema": {
                            "$ref": "#/definitions/RepairRequest"
                        }
                    }
                ]
            }
        },
        "/admin/consistency/export": {
            "get": {
                "tags": [
                    "Consistency"
                ],
                "summary": "Download the latest consistency report",
                "responses": {
                    "200": {
                        "description": "Report file"
                    }
                },
                "parameters": [
                    {
                        "name": "format",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    }
                ],
                "produces": [
                    "text/csv",
                    "application/pdf"
                ]
            }
        },
        "/admin/consistency/jobs": {
            "post": {
                "tags": [
                    "Jobs"
                ],
                "summary": "Queue a full consistency repair",
                "responses": {
                    "202": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": false,
                        "schema": {
                            "$ref": "#/definitions/RepairRequest"
                        }
                    }
                ]
            }
        },
        "/admin/consistency/orphan-cleanup": {
            "post": {
                "tags": [
                    "Jobs"
                ],
                "summary": "Queue removal of references to missing entities",
                "responses": {
                    "202": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/admin/cascade/{entityType}/{id}/impact": {
            "get": {
                "tags": [
                    "Cascade"
                ],
                "summary": "Preview what a cascade deletion would touch",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "entityType",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ]
            }
        },
        "/admin/cascade/{entityType}/{id}": {
            "post": {
                "tags": [
                    "Cascade"
                ],
                "summary": "Delete an entity and its dependents in one transaction",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Entity already deleted",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "503": {
                        "description": "Storage unavailable, retry later",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "entityType",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": false,
                        "schema": {
                            "$ref": "#/definitions/CascadeExecuteRequest"
                        }
                    }
                ]
            }
        },
        "/admin/cascade-jobs": {
            "post": {
                "tags": [
                    "Jobs"
                ],
                "summary": "Queue a cascade deletion",
                "responses": {
                    "202": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Entity not active",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/EnqueueCascadeRequest"
                        }
                    }
                ]
            }
        },
        "/admin/cascade-jobs/{id}": {
            "get": {
                "tags": [
                    "Jobs"
                ],
                "summary": "Job status",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ]
            },
            "delete": {
                "tags": [
                    "Jobs"
                ],
                "summary": "Cancel a job that has not started",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Job already started or finished",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ]
            }
        },
        "/admin/cascade-jobs/{id}/events": {
            "get": {
                "tags": [
                    "Jobs"
                ],
                "summary": "Stream job events",
                "responses": {
                    "200": {
                        "description": "Server-sent events"
                    }
                },
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ],
                "produces": [
                    "text/event-stream"
                ]
            }
        },
        "/admin/deletion-audits": {
            "get": {
                "tags": [
                    "Cascade"
                ],
                "summary": "List deletion audits",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "entityType",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    },
                    {
                        "name": "entityId",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    },
                    {
                        "name": "page",
                        "in": "query",
                        "required": false,
                        "type": "integer"
                    },
                    {
                        "name": "page_size",
                        "in": "query",
                        "required": false,
                        "type": "integer"
                    }
                ]
            }
        },
        "/admin/deletion-audits/{id}": {
            "get": {
                "tags": [
                    "Cascade"
                ],
                "summary": "Deletion audit detail",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ]
            }
        },
        "/admin/deletion-audits/{id}/export": {
            "get": {
                "tags": [
                    "Cascade"
                ],
                "summary": "Download the operations of a deletion audit",
                "responses": {
                    "200": {
                        "description": "Audit file"
                    }
                },
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "format",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    }
                ],
                "produces": [
                    "text/csv",
                    "application/pdf"
                ]
            }
        }
    },
    "definitions": {
        "Recurrence": {
            "type": "object",
            "properties": {
                "isRecurring": {
                    "type": "boolean"
                },
                "excludeDates": {
                    "type": "array",
                    "items": {
                        "type": "string"
                    }
                }
            }
        },
        "CreateSlotRequest": {
            "type": "object",
            "properties": {
                "day": {
                    "type": "string",
                    "enum": [
                        "SUNDAY",
                        "MONDAY",
                        "TUESDAY",
                        "WEDNESDAY",
                        "THURSDAY",
                        "FRIDAY"
                    ]
                },
                "startTime": {
                    "type": "string",
                    "example": "14:00"
                },
                "durationMinutes": {
                    "type": "integer",
                    "enum": [
                        30,
                        45,
                        60
                    ]
                },
                "location": {
                    "type": "string"
                },
                "notes": {
                    "type": "string"
                },
                "recurrence": {
                    "$ref": "#/definitions/Recurrence"
                }
            },
            "required": [
                "day",
                "startTime",
                "durationMinutes"
            ]
        },
        "UpdateSlotRequest": {
            "type": "object",
            "properties": {
                "day": {
                    "type": "string"
                },
                "startTime": {
                    "type": "string"
                },
                "durationMinutes": {
                    "type": "integer"
                },
                "location": {
                    "type": "string"
                },
                "notes": {
                    "type": "string"
                },
                "recurrence": {
                    "$ref": "#/definitions/Recurrence"
                }
            }
        },
        "AssignStudentRequest": {
            "type": "object",
            "properties": {
                "teacherId": {
                    "type": "string"
                },
                "studentId": {
                    "type": "string"
                },
                "startDate": {
                    "type": "string",
                    "format": "date-time"
                },
                "notes": {
                    "type": "string"
                }
            },
            "required": [
                "teacherId",
                "studentId"
            ]
        },
        "Authority": {
            "type": "object",
            "properties": {
                "relationship": {
                    "type": "string",
                    "enum": [
                        "teacher",
                        "student"
                    ]
                },
                "schedule": {
                    "type": "string",
                    "enum": [
                        "teacher",
                        "student"
                    ]
                }
            }
        },
        "RepairRequest": {
            "type": "object",
            "properties": {
                "dryRun": {
                    "type": "boolean"
                },
                "authority": {
                    "$ref": "#/definitions/Authority"
                },
                "kinds": {
                    "type": "array",
                    "items": {
                        "type": "string"
                    }
                }
            }
        },
        "CascadeExecuteRequest": {
            "type": "object",
            "properties": {
                "reason": {
                    "type": "string"
                }
            }
        },
        "EnqueueCascadeRequest": {
            "type": "object",
            "properties": {
                "entityType": {
                    "type": "string",
                    "enum": [
                        "teacher",
                        "student"
                    ]
                },
                "entityId": {
                    "type": "string"
                },
                "reason": {
                    "type": "string"
                },
                "priority": {
                    "type": "integer",
                    "minimum": 0,
                    "maximum": 10
                }
            },
            "required": [
                "entityType",
                "entityId"
            ]
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {
                    "type": "integer"
                },
                "page_size": {
                    "type": "integer"
                },
                "total_count": {
                    "type": "integer"
                }
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {
                    "type": "string"
                },
                "message": {
                    "type": "string"
                },
                "status": {
                    "type": "integer"
                }
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {
                    "type": "object"
                },
                "error": {
                    "$ref": "#/definitions/APIError"
                },
                "pagination": {
                    "$ref": "#/definitions/Pagination"
                },
                "meta": {
                    "type": "object"
                }
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
