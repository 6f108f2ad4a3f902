package dto

// MarkAttendanceRequest is the admin mark payload. The verifier comes
// from the caller's JWT claims, never from the body.
type MarkAttendanceRequest struct {
	IndexNumber  string `json:"indexNumber"`
	Status       string `json:"status"`
	DeviceInfo   string `json:"deviceInfo"`
	ScanLocation string `json:"scanLocation"`
}

// ScanRequest is the gate scan payload. Token carries a signed QR pass;
// IndexNumber is the fallback for gates that read the printed number.
// Exactly one of the two must be set.
type ScanRequest struct {
	Token        string `json:"token"`
	IndexNumber  string `json:"indexNumber"`
	DeviceInfo   string `json:"deviceInfo"`
	ScanLocation string `json:"scanLocation"`
}
