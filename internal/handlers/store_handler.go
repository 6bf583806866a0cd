package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/classpoints/backend/internal/services"
)

type StoreHandler struct {
	service   *services.StoreService
	validator *services.ValidationHelper
}

func NewStoreHandler(service *services.StoreService) *StoreHandler {
	return &StoreHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// Purchase buys a catalog item for the authenticated student
// @Summary Purchase a store item
// @Description Debit the item cost and grant the inventory entry atomically
// @Tags store
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param purchase body object{itemId=string} true "Purchase request"
// @Success 201 {object} services.PurchaseResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /store/purchase [post]
func (h *StoreHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	studentID, ok := r.Context().Value("userID").(string)
	if !ok || studentID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		ItemID string `json:"itemId" validate:"required,uuid4"`
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

	result, err := h.service.Purchase(r.Context(), studentID, req.ItemID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInsufficientFunds):
			services.SendErrorResponse(w, "Insufficient funds", http.StatusBadRequest, nil)
		case errors.Is(err, services.ErrItemNotFound):
			services.SendErrorResponse(w, "Item not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrStudentNotFound):
			services.SendErrorResponse(w, "Student not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrAlreadyOwned):
			services.SendErrorResponse(w, "Item already owned", http.StatusConflict, nil)
		case services.IsTransient(err):
			services.SendErrorResponse(w, "Temporary failure, retry the purchase", http.StatusServiceUnavailable, nil)
		default:
			log.Printf("[STORE] Purchase failed for student %s, item %s: %v", studentID, req.ItemID, err)
			services.SendErrorResponse(w, "Failed to process purchase", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":          true,
		"transactionId":    result.TransactionID,
		"inventoryEntryId": result.InventoryEntryID,
		"newBalance":       result.NewBalance,
	})
}

// RedemptionQR renders an inventory entry's redemption code as a QR image
// @Summary Get redemption QR code
// @Description Render the redemption code of a purchased item as a PNG QR code
// @Tags store
// @Produce json
// @Security BearerAuth
// @Param entryId path string true "Inventory entry ID"
// @Success 200 {object} object{qrImage=string}
// @Failure 404 {object} services.ErrorResponse
// @Failure 410 {object} services.ErrorResponse
// @Router /inventory/{entryId}/qr [get]
func (h *StoreHandler) RedemptionQR(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryId")

	qrImage, err := h.service.RedemptionQR(r.Context(), entryID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEntryNotFound):
			services.SendErrorResponse(w, "Inventory entry not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrAlreadyRedeemed):
			services.SendErrorResponse(w, "Inventory entry already redeemed", http.StatusGone, nil)
		default:
			log.Printf("[STORE] QR generation failed for entry %s: %v", entryID, err)
			services.SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"qrImage": qrImage,
	})
}

// Redeem marks a purchased item as handed over
// @Summary Redeem an inventory entry
// @Description Mark the entry matching a scanned redemption code as redeemed. Single-use.
// @Tags store
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param redemption body object{code=string} true "Redemption request"
// @Success 200 {object} models.InventoryEntry
// @Failure 404 {object} services.ErrorResponse
// @Failure 410 {object} services.ErrorResponse
// @Router /store/redeem [post]
func (h *StoreHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code" validate:"required"`
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

	entry, err := h.service.Redeem(r.Context(), req.Code)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEntryNotFound):
			services.SendErrorResponse(w, "Redemption code not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrAlreadyRedeemed):
			services.SendErrorResponse(w, "Already redeemed", http.StatusGone, nil)
		default:
			log.Printf("[STORE] Redemption failed: %v", err)
			services.SendErrorResponse(w, "Failed to redeem", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"entry":   entry,
	})
}
