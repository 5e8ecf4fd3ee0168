package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rxtrace/prescription-service/internal/auth"
	"github.com/rxtrace/prescription-service/internal/otp"
	"github.com/rxtrace/prescription-service/internal/prescription"
	"github.com/rxtrace/prescription-service/internal/qr"
	"github.com/rxtrace/prescription-service/internal/token"
)

func createPrescriptionHandler(svc *prescription.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreatePrescriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		visitID, err := uuid.Parse(req.VisitID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_visit_id", "visit_id must be a valid UUID")
			return
		}

		if len(req.Items) == 0 {
			writeError(w, http.StatusBadRequest, "missing_items", "a prescription needs at least one item")
			return
		}

		in := prescription.CreateInput{
			PatientID:    patientID,
			DoctorID:     GetPrincipal(r.Context()).UserID,
			VisitID:      visitID,
			PatientEmail: req.PatientEmail,
			Diagnosis:    req.Diagnosis,
			Notes:        req.Notes,
		}
		for _, it := range req.Items {
			in.Items = append(in.Items, prescription.ItemInput{
				MedicineName: it.MedicineName,
				Dosage:       it.Dosage,
				Frequency:    it.Frequency,
				Quantity:     it.Quantity,
				Instructions: it.Instructions,
			})
		}

		created, issued, err := svc.Create(r.Context(), in)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, toPrescriptionResponse(created, issued))
	}
}

func getPrescriptionHandler(svc *prescription.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		p, err := svc.Get(r.Context(), id)
		if err != nil {
			handlePrescriptionError(w, err)
			return
		}

		if !callerMaySee(r, p) {
			writeError(w, http.StatusForbidden, "forbidden", "prescription belongs to another patient")
			return
		}

		writeJSON(w, http.StatusOK, toPrescriptionResponse(p, nil))
	}
}

func issueCredentialHandler(svc *prescription.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		issued, err := svc.IssueCredential(r.Context(), id)
		if err != nil {
			handleCredentialError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, CredentialResponse{
			Hash:      issued.Hash,
			ExpiresAt: issued.ExpiresAt,
			ImagePNG:  issued.ImagePNG,
		})
	}
}

func scanHandler(svc *prescription.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ScanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Hash == "" {
			writeError(w, http.StatusBadRequest, "missing_hash", "hash is required")
			return
		}

		p, err := svc.Scan(r.Context(), req.Hash, GetPrincipal(r.Context()).UserID)
		if err != nil {
			handleWorkflowError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toPrescriptionResponse(p, nil))
	}
}

func validateHandler(svc *prescription.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		p, err := svc.Validate(r.Context(), id, GetPrincipal(r.Context()).UserID)
		if err != nil {
			handleWorkflowError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toPrescriptionResponse(p, nil))
	}
}

func dispenseHandler(svc *prescription.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req ActionRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		p, err := svc.Dispense(r.Context(), id, GetPrincipal(r.Context()).UserID, req.Notes)
		if err != nil {
			handleWorkflowError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toPrescriptionResponse(p, nil))
	}
}

func rejectHandler(svc *prescription.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req RejectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Reason == "" {
			writeError(w, http.StatusBadRequest, "missing_reason", "a rejection reason is required")
			return
		}

		p, err := svc.Reject(r.Context(), id, GetPrincipal(r.Context()).UserID, req.Reason)
		if err != nil {
			handleWorkflowError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toPrescriptionResponse(p, nil))
	}
}

func cancelHandler(svc *prescription.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		p, err := svc.Cancel(r.Context(), id)
		if err != nil {
			handleWorkflowError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toPrescriptionResponse(p, nil))
	}
}

func auditLogHandler(svc *prescription.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		entries, err := svc.AuditLog(r.Context(), id)
		if err != nil {
			handlePrescriptionError(w, err)
			return
		}

		resp := make([]AuditEntryResponse, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, AuditEntryResponse{
				PrescriptionID: e.PrescriptionID,
				PharmacistID:   e.PharmacistID,
				Action:         string(e.Action),
				Notes:          e.Notes,
				CreatedAt:      e.CreatedAt,
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// requestHistoryOTPHandler issues an OTP challenge for the patient's own
// medical history. The ownership check comes first so a caller can never
// learn whether a challenge exists for someone else.
func requestHistoryOTPHandler(gate *otp.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		if GetPrincipal(r.Context()).UserID != patientID {
			writeError(w, http.StatusForbidden, "forbidden", "patients can only access their own history")
			return
		}

		var req RequestOTPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Email == "" {
			writeError(w, http.StatusBadRequest, "missing_email", "email is required")
			return
		}

		challenge, err := gate.IssueChallenge(r.Context(), patientID, req.Email)
		if err != nil {
			if errors.Is(err, otp.ErrChallengeAlreadySent) {
				writeError(w, http.StatusConflict, "otp_already_sent", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, ChallengeResponse{
			OTPID:     challenge.ID,
			ExpiresAt: challenge.ExpiresAt,
		})
	}
}

// historyHandler returns the patient's prescription history. Patients must
// present a valid one-time code; doctors and pharmacists bypass the gate.
func historyHandler(svc *prescription.Service, gate *otp.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		principal := GetPrincipal(r.Context())
		if principal.Role == auth.RolePatient {
			if principal.UserID != patientID {
				writeError(w, http.StatusForbidden, "forbidden", "patients can only access their own history")
				return
			}

			code := r.Header.Get("X-OTP-Code")
			if code == "" {
				writeError(w, http.StatusBadRequest, "missing_otp_code", "X-OTP-Code header is required")
				return
			}

			if _, err := gate.VerifyCode(r.Context(), patientID, code); err != nil {
				if errors.Is(err, otp.ErrCodeInvalidOrExpired) {
					writeError(w, http.StatusForbidden, "otp_invalid_or_expired", err.Error())
					return
				}
				writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
				return
			}
		}

		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		list, err := svc.ListByPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := make([]PrescriptionResponse, 0, len(list))
		for i := range list {
			resp = append(resp, toPrescriptionResponse(&list[i], nil))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func logoutHandler(registry *token.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := GetPrincipal(r.Context())

		err := registry.Revoke(r.Context(), principal.RawToken, principal.UserID, principal.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}

// Error mapping

func handlePrescriptionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prescription.ErrPrescriptionNotFound):
		writeError(w, http.StatusNotFound, "prescription_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prescription.ErrPrescriptionNotFound):
		writeError(w, http.StatusNotFound, "prescription_not_found", err.Error())
	case errors.Is(err, qr.ErrCredentialInvalid):
		writeError(w, http.StatusBadRequest, "credential_invalid", err.Error())
	case errors.Is(err, qr.ErrCredentialExpired):
		writeError(w, http.StatusBadRequest, "credential_expired", err.Error())
	case errors.Is(err, prescription.ErrNotScannable):
		writeError(w, http.StatusConflict, "not_scannable", err.Error())
	case errors.Is(err, prescription.ErrMustBeScannedFirst):
		writeError(w, http.StatusConflict, "must_be_scanned_first", err.Error())
	case errors.Is(err, prescription.ErrMustBeValidatedFirst):
		writeError(w, http.StatusConflict, "must_be_validated_first", err.Error())
	case errors.Is(err, prescription.ErrNotRejectable):
		writeError(w, http.StatusConflict, "not_rejectable", err.Error())
	case errors.Is(err, prescription.ErrNotCancellable):
		writeError(w, http.StatusConflict, "not_cancellable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleCredentialError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prescription.ErrPrescriptionNotFound):
		writeError(w, http.StatusNotFound, "prescription_not_found", err.Error())
	case errors.Is(err, prescription.ErrCredentialNotIssuable):
		writeError(w, http.StatusConflict, "credential_not_issuable", err.Error())
	case errors.Is(err, qr.ErrIssueInProgress):
		writeError(w, http.StatusConflict, "credential_being_issued", "a credential is being issued, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// Helpers

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func callerMaySee(r *http.Request, p *prescription.Prescription) bool {
	principal := GetPrincipal(r.Context())
	if principal.Role != auth.RolePatient {
		return true
	}
	return principal.UserID == p.PatientID
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
