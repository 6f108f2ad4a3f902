package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Attendance Ledger API",
        "description": "Campus attendance tracking: QR entry/exit scans, admin marks, per-student history and async reports.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "in": "header", "name": "Authorization"}
    },
    "tags": [
        {"name": "Authentication", "description": "Login and token lifecycle"},
        {"name": "Attendance", "description": "Marks, scans and per-student history"},
        {"name": "Students", "description": "Student roster management"},
        {"name": "Dashboard", "description": "Daily attendance overview"},
        {"name": "Reports", "description": "Asynchronous report generation"}
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate user",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/scan": {
            "post": {
                "tags": ["Attendance"],
                "summary": "Record a QR scan",
                "description": "Accepts either a signed QR pass token or a raw index number. Entry and exit are inferred from the student's records for the day.",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ScanRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Missing or ambiguous credential"},
                    "401": {"description": "Invalid or expired pass token"}
                }
            }
        },
        "/attendance/mark": {
            "post": {
                "tags": ["Attendance"],
                "summary": "Mark attendance for a student",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/MarkAttendanceRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown index number"},
                    "409": {"description": "Concurrent modification"}
                }
            }
        },
        "/students": {
            "get": {
                "tags": ["Students"],
                "summary": "List students",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "sort", "in": "query", "type": "string"},
                    {"name": "order", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Students"],
                "summary": "Create student",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateStudentRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Duplicate index number"}
                }
            }
        },
        "/students/{id}": {
            "get": {
                "tags": ["Students"],
                "summary": "Get student",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found"}
                }
            },
            "put": {
                "tags": ["Students"],
                "summary": "Update student",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateStudentRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Students"],
                "summary": "Delete student",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "No Content"}
                }
            }
        },
        "/students/index/{indexNumber}": {
            "get": {
                "tags": ["Students"],
                "summary": "Get student by index number",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "indexNumber", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/students/{id}/qr": {
            "get": {
                "tags": ["Students"],
                "summary": "Render the student's QR pass",
                "security": [{"BearerAuth": []}],
                "produces": ["image/png"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "PNG image"},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/students/{id}/attendance": {
            "get": {
                "tags": ["Attendance"],
                "summary": "Query attendance history",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "startDate", "in": "query", "type": "string", "description": "YYYY-MM-DD"},
                    {"name": "endDate", "in": "query", "type": "string", "description": "YYYY-MM-DD"},
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "sortBy", "in": "query", "type": "string"},
                    {"name": "sortOrder", "in": "query", "type": "string"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "offset", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Malformed date range"}
                }
            },
            "delete": {
                "tags": ["Attendance"],
                "summary": "Clear attendance history",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Concurrent modification"}
                }
            }
        },
        "/students/{id}/attendance/{recordId}": {
            "delete": {
                "tags": ["Attendance"],
                "summary": "Delete a single attendance record",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "recordId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Record not found"}
                }
            }
        },
        "/dashboard/attendance": {
            "get": {
                "tags": ["Dashboard"],
                "summary": "Daily attendance overview",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "date", "in": "query", "type": "string", "description": "YYYY-MM-DD, defaults to today"},
                    {"name": "roster", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reports": {
            "post": {
                "tags": ["Reports"],
                "summary": "Queue a report job",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReportRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reports/{id}": {
            "get": {
                "tags": ["Reports"],
                "summary": "Report job status",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Not the job owner"}
                }
            }
        },
        "/reports/download/{token}": {
            "get": {
                "tags": ["Reports"],
                "summary": "Download a generated report",
                "description": "The signed token embedded in the result URL is the credential.",
                "parameters": [
                    {"name": "token", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "File stream"},
                    "401": {"description": "Expired or forged token"}
                }
            }
        }
    },
    "definitions": {
        "Student": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "index_number": {"type": "string"},
                "full_name": {"type": "string"},
                "address": {"type": "string"},
                "student_email": {"type": "string"},
                "parent_email": {"type": "string"},
                "parent_phone": {"type": "string"},
                "status": {"type": "string", "enum": ["active", "inactive", "suspended"]},
                "attendance_count": {"type": "integer"},
                "attendance_percentage": {"type": "number"},
                "last_attendance": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "AttendanceRecord": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "student_id": {"type": "string"},
                "date": {"type": "string"},
                "status": {"type": "string", "enum": ["present", "absent", "entered", "left"]},
                "entry_time": {"type": "string"},
                "leave_time": {"type": "string"},
                "verified_by": {"type": "string"},
                "scan_location": {"type": "string"},
                "device_info": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "MarkResult": {
            "type": "object",
            "properties": {
                "student": {"$ref": "#/definitions/Student"},
                "record": {"$ref": "#/definitions/AttendanceRecord"},
                "applied": {"type": "string"},
                "created": {"type": "boolean"}
            }
        },
        "HistoryPage": {
            "type": "object",
            "properties": {
                "records": {"type": "array", "items": {"$ref": "#/definitions/AttendanceRecord"}},
                "total": {"type": "integer"},
                "stats": {
                    "type": "object",
                    "properties": {
                        "total_days": {"type": "integer"},
                        "present_days": {"type": "integer"},
                        "absent_days": {"type": "integer"},
                        "attendance_percentage": {"type": "number"}
                    }
                }
            }
        },
        "LoginRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            },
            "required": ["email", "password"]
        },
        "MarkAttendanceRequest": {
            "type": "object",
            "properties": {
                "indexNumber": {"type": "string"},
                "status": {"type": "string", "enum": ["present", "absent", "entered", "left"]},
                "deviceInfo": {"type": "string"},
                "scanLocation": {"type": "string"}
            },
            "required": ["indexNumber", "status"]
        },
        "ScanRequest": {
            "type": "object",
            "properties": {
                "token": {"type": "string"},
                "indexNumber": {"type": "string"},
                "deviceInfo": {"type": "string"},
                "scanLocation": {"type": "string"}
            }
        },
        "CreateStudentRequest": {
            "type": "object",
            "properties": {
                "index_number": {"type": "string"},
                "full_name": {"type": "string"},
                "address": {"type": "string"},
                "student_email": {"type": "string"},
                "parent_email": {"type": "string"},
                "parent_phone": {"type": "string"}
            },
            "required": ["index_number", "full_name"]
        },
        "UpdateStudentRequest": {
            "type": "object",
            "properties": {
                "full_name": {"type": "string"},
                "address": {"type": "string"},
                "student_email": {"type": "string"},
                "parent_email": {"type": "string"},
                "parent_phone": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "ReportRequest": {
            "type": "object",
            "properties": {
                "type": {"type": "string", "enum": ["history", "daily"]},
                "studentId": {"type": "string"},
                "startDate": {"type": "string"},
                "endDate": {"type": "string"},
                "date": {"type": "string"},
                "format": {"type": "string", "enum": ["csv", "pdf"]}
            },
            "required": ["type", "format"]
        },
        "ReportStatus": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "status": {"type": "string", "enum": ["QUEUED", "PROCESSING", "FINISHED", "FAILED"]},
                "progress": {"type": "integer"},
                "resultUrl": {"type": "string"},
                "error": {"type": "string"}
            }
        },
        "AttendanceDashboard": {
            "type": "object",
            "properties": {
                "date": {"type": "string"},
                "activeStudents": {"type": "integer"},
                "summary": {
                    "type": "object",
                    "properties": {
                        "present": {"type": "integer"},
                        "entered": {"type": "integer"},
                        "left": {"type": "integer"},
                        "absent": {"type": "integer"},
                        "notMarked": {"type": "integer"},
                        "onSite": {"type": "integer"},
                        "attendanceRate": {"type": "number"}
                    }
                },
                "roster": {"type": "array", "items": {"$ref": "#/definitions/RosterEntry"}}
            }
        },
        "RosterEntry": {
            "type": "object",
            "properties": {
                "indexNumber": {"type": "string"},
                "fullName": {"type": "string"},
                "status": {"type": "string"},
                "entryTime": {"type": "string"},
                "leaveTime": {"type": "string"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
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
