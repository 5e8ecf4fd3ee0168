package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/rxtrace/prescription-service/internal/prescription"
	"github.com/rxtrace/prescription-service/internal/qr"
)

type PrescriptionItemRequest struct {
	MedicineName string `json:"medicine_name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Quantity     int    `json:"quantity"`
	Instructions string `json:"instructions,omitempty"`
}

type CreatePrescriptionRequest struct {
	PatientID    string                    `json:"patient_id"`
	VisitID      string                    `json:"visit_id"`
	PatientEmail string                    `json:"patient_email,omitempty"`
	Diagnosis    string                    `json:"diagnosis"`
	Notes        string                    `json:"notes,omitempty"`
	Items        []PrescriptionItemRequest `json:"items"`
}

type ScanRequest struct {
	Hash string `json:"hash"`
}

type ActionRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type RequestOTPRequest struct {
	Email string `json:"email"`
}

type PrescriptionItemResponse struct {
	MedicineName string `json:"medicine_name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Quantity     int    `json:"quantity"`
	Instructions string `json:"instructions,omitempty"`
}

type CredentialResponse struct {
	Hash      string    `json:"hash"`
	ExpiresAt time.Time `json:"expires_at"`
	ImagePNG  []byte    `json:"image_png"` // base64 in JSON
}

type PrescriptionResponse struct {
	ID              uuid.UUID                  `json:"id"`
	ReferenceNumber string                     `json:"reference_number"`
	PatientID       uuid.UUID                  `json:"patient_id"`
	DoctorID        uuid.UUID                  `json:"doctor_id"`
	VisitID         uuid.UUID                  `json:"visit_id"`
	Diagnosis       string                     `json:"diagnosis"`
	Notes           string                     `json:"notes,omitempty"`
	Status          string                     `json:"status"`
	CanDispense     bool                       `json:"can_dispense"`
	Items           []PrescriptionItemResponse `json:"items,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	Credential      *CredentialResponse        `json:"credential,omitempty"`
}

type AuditEntryResponse struct {
	PrescriptionID uuid.UUID `json:"prescription_id"`
	PharmacistID   uuid.UUID `json:"pharmacist_id"`
	Action         string    `json:"action"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type ChallengeResponse struct {
	OTPID     uuid.UUID `json:"otp_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toPrescriptionResponse(p *prescription.Prescription, issued *qr.Issued) PrescriptionResponse {
	resp := PrescriptionResponse{
		ID:              p.ID,
		ReferenceNumber: p.ReferenceNumber,
		PatientID:       p.PatientID,
		DoctorID:        p.DoctorID,
		VisitID:         p.VisitID,
		Diagnosis:       p.Diagnosis,
		Notes:           p.Notes,
		Status:          string(p.Status),
		CanDispense:     p.CanDispense(),
		CreatedAt:       p.CreatedAt,
	}

	for _, it := range p.Items {
		resp.Items = append(resp.Items, PrescriptionItemResponse{
			MedicineName: it.MedicineName,
			Dosage:       it.Dosage,
			Frequency:    it.Frequency,
			Quantity:     it.Quantity,
			Instructions: it.Instructions,
		})
	}

	if issued != nil {
		resp.Credential = &CredentialResponse{
			Hash:      issued.Hash,
			ExpiresAt: issued.ExpiresAt,
			ImagePNG:  issued.ImagePNG,
		}
	}

	return resp
}
