package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/classpoints/backend/internal/services"
)

type RewardHandler struct {
	service   *services.RewardService
	validator *services.ValidationHelper
}

func NewRewardHandler(service *services.RewardService) *RewardHandler {
	return &RewardHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// QuizCompleted ingests a reward-source event and credits the coins
// @Summary Process a completed quiz
// @Description Record a quiz submission and grant its coin reward exactly once. Safe to deliver more than once.
// @Tags rewards
// @Accept json
// @Produce json
// @Param event body object{id=string,studentId=string,coinsEarned=int64} true "Reward source event"
// @Success 200 {object} services.GrantResult
// @Success 201 {object} services.GrantResult
// @Success 202 {object} map[string]string
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /rewards/quiz-completed [post]
func (h *RewardHandler) QuizCompleted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id" validate:"required,uuid4"`
		StudentID   string `json:"studentId" validate:"required,uuid4"`
		CoinsEarned int64  `json:"coinsEarned" validate:"required,gt=0"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.service.RecordSubmission(r.Context(), req.ID, req.StudentID, req.CoinsEarned); err != nil {
		log.Printf("[REWARD] Failed to record submission %s: %v", req.ID, err)
		services.SendErrorResponse(w, "Failed to record submission", http.StatusInternalServerError, nil)
		return
	}

	result, err := h.service.GrantReward(r.Context(), req.ID)
	if err != nil {
		if services.IsTransient(err) {
			// The submission is durable; the recovery sweep picks it up.
			log.Printf("[REWARD] Transient failure granting submission %s, deferring to recovery: %v", req.ID, err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "queued",
			})
			return
		}
		if errors.Is(err, services.ErrStudentNotFound) {
			services.SendErrorResponse(w, "Student not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[REWARD] Failed to grant submission %s: %v", req.ID, err)
		services.SendErrorResponse(w, "Failed to grant reward", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Granted {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"granted":       result.Granted,
		"transactionId": result.TransactionID,
		"newBalance":    result.NewBalance,
	})
}
