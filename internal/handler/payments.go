package handler

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mmeshcher/sternosol-system/internal/model"
	"github.com/mmeshcher/sternosol-system/internal/payment"
	"github.com/mmeshcher/sternosol-system/internal/repository"
	"github.com/mmeshcher/sternosol-system/internal/service"
	"github.com/mmeshcher/sternosol-system/internal/storage"
)

// UploadReceipt принимает квитанцию об оффлайн-взносе и регистрирует платёж
// в статусе ожидания проверки. При отказе вставки файл удаляется.
func (h *Handler) UploadReceipt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(storage.MaxReceiptSize); err != nil {
		writeError(w, http.StatusBadRequest, "Fichier trop volumineux ou requête invalide")
		return
	}

	userID, errUser := strconv.ParseInt(r.FormValue("userId"), 10, 64)
	groupeID, errGroup := strconv.ParseInt(r.FormValue("groupeId"), 10, 64)
	period, errPeriod := strconv.Atoi(r.FormValue("periodNumber"))
	if errUser != nil || errGroup != nil || errPeriod != nil {
		writeError(w, http.StatusBadRequest, "Champs manquants.")
		return
	}

	_, fh, err := r.FormFile("receipt")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Aucun fichier reçu.")
		return
	}

	filename, err := h.files.Save(fh)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrUnsupportedType):
			writeError(w, http.StatusBadRequest, "Format de fichier non supporté (jpeg, png, pdf uniquement).")
		case errors.Is(err, storage.ErrTooLarge):
			writeError(w, http.StatusBadRequest, "Fichier trop volumineux (10 Mo maximum).")
		default:
			h.logger.Error("save receipt error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Erreur serveur")
		}
		return
	}

	id, err := h.service.RecordOfflineContribution(r.Context(), userID, groupeID, period, filename)
	if err != nil {
		if rmErr := h.files.Remove(filename); rmErr != nil {
			h.logger.Warn("remove orphan receipt error", zap.Error(rmErr), zap.String("file", filename))
		}
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "Champs manquants.")
		case errors.Is(err, repository.ErrGroupNotFound):
			writeError(w, http.StatusNotFound, "Groupe introuvable")
		default:
			h.logger.Error("record offline contribution error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Erreur serveur")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":   "Reçu envoyé pour validation",
		"paymentId": id,
		"filePath":  filename,
	})
}

// PaymentsByUser возвращает платежи пары (пользователь, группа).
func (h *Handler) PaymentsByUser(w http.ResponseWriter, r *http.Request) {
	userID, errUser := urlID(r, "userId")
	groupeID, errGroup := urlID(r, "groupeId")
	if errUser != nil || errGroup != nil {
		writeError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	payments, err := h.service.ListContributions(r.Context(), userID, groupeID)
	if err != nil {
		h.logger.Error("list contributions error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	resp := make([]paymentResponse, 0, len(payments))
	for i := range payments {
		resp = append(resp, toPaymentResponse(&payments[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type ledgerEntryResponse struct {
	paymentResponse
	Nom    string `json:"nom"`
	Prenom string `json:"prenom"`
	Email  string `json:"email"`
	NomSol string `json:"nomSol"`
}

// AllPayments возвращает полный журнал платежей с данными плательщика и группы.
func (h *Handler) AllPayments(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListAllContributions(r.Context())
	if err != nil {
		h.logger.Error("list all contributions error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, ledgerEntryResponse{
			paymentResponse: toPaymentResponse(&entries[i].Payment),
			Nom:             entries[i].Nom,
			Prenom:          entries[i].Prenom,
			Email:           entries[i].Email,
			NomSol:          entries[i].NomSol,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type updateStatusRequest struct {
	PaymentID int64  `json:"paymentId"`
	Status    string `json:"status"`
}

// UpdateStatus переводит платёж в новый статус.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide")
		return
	}

	err := h.service.UpdatePaymentStatus(r.Context(), req.PaymentID, model.PaymentStatus(req.Status))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPaymentNotFound):
			writeError(w, http.StatusNotFound, "Paiement introuvable")
		case errors.Is(err, service.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "Statut inconnu")
		case errors.Is(err, service.ErrInvalidTransition):
			writeError(w, http.StatusBadRequest, "Transition de statut non autorisée")
		case errors.Is(err, repository.ErrStatusChanged):
			writeError(w, http.StatusConflict, "Le statut a changé, veuillez réessayer")
		default:
			h.logger.Error("update payment status error", zap.Error(err), zap.Int64("paymentID", req.PaymentID))
			writeError(w, http.StatusInternalServerError, "Erreur serveur")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Statut mis à jour : " + req.Status})
}

type payoutRequest struct {
	UserID   int64   `json:"userId"`
	GroupeID int64   `json:"groupeId"`
	Amount   float64 `json:"amount"`
}

// Payout регистрирует выплату пота участнику.
func (h *Handler) Payout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide")
		return
	}

	id, err := h.service.RecordPayout(r.Context(), req.UserID, req.GroupeID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyPaidOut):
			writeError(w, http.StatusBadRequest, "Ce membre a déjà reçu son lot !")
		case errors.Is(err, service.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "Champs manquants.")
		default:
			h.logger.Error("record payout error", zap.Error(err), zap.Int64("userID", req.UserID), zap.Int64("groupID", req.GroupeID))
			writeError(w, http.StatusInternalServerError, "Erreur serveur")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"message": "Virement enregistré avec succès.", "paymentId": id})
}

// Eligible сообщает, может ли участник получить пот.
func (h *Handler) Eligible(w http.ResponseWriter, r *http.Request) {
	userID, errUser := urlID(r, "userId")
	groupeID, errGroup := urlID(r, "groupeId")
	if errUser != nil || errGroup != nil {
		writeError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	eligible, err := h.service.EligibleForPayout(r.Context(), userID, groupeID)
	if err != nil {
		h.logger.Error("payout eligibility error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"eligible": eligible})
}

// NextPeriod возвращает следующий неоплаченный период участника.
func (h *Handler) NextPeriod(w http.ResponseWriter, r *http.Request) {
	userID, errUser := urlID(r, "userId")
	groupeID, errGroup := urlID(r, "groupeId")
	if errUser != nil || errGroup != nil {
		writeError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	next, err := h.service.NextPeriod(r.Context(), userID, groupeID)
	if err != nil {
		h.logger.Error("next period error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"nextPeriod": next})
}

// Stats возвращает сводные показатели журнала платежей.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type createIntentRequest struct {
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	UserID       int64   `json:"userId"`
	GroupeID     int64   `json:"groupeId"`
	PeriodNumber int     `json:"periodNumber"`
}

// CreatePaymentIntent создаёт платёжное намерение во внешней платёжной системе
// и возвращает клиентский секрет для подтверждения на стороне браузера.
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide")
		return
	}

	if req.Amount <= 0 || req.UserID == 0 || req.GroupeID == 0 || req.PeriodNumber == 0 {
		writeError(w, http.StatusBadRequest, "Données manquantes")
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	clientSecret, err := h.authority.CreateIntent(int64(math.Round(req.Amount*100)), currency, payment.IntentMetadata{
		UserID:       strconv.FormatInt(req.UserID, 10),
		GroupeID:     strconv.FormatInt(req.GroupeID, 10),
		PeriodNumber: strconv.Itoa(req.PeriodNumber),
	})
	if err != nil {
		h.logger.Error("create payment intent error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"clientSecret": clientSecret})
}

// Webhook принимает события платёжной системы. Подпись обязательна; после неё
// событие всегда подтверждается, чтобы исключить бесконечные повторные доставки.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide")
		return
	}

	intent, err := h.authority.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrSignature) {
			writeError(w, http.StatusBadRequest, "Signature invalide")
			return
		}
		h.logger.Error("parse webhook event error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Requête invalide")
		return
	}

	if intent != nil {
		inserted, err := h.service.RecordOnlineContribution(r.Context(), intent.ChargeID, intent.AmountCentimes, intent.Metadata)
		switch {
		case err != nil:
			h.logger.Error("record online contribution error", zap.Error(err), zap.String("chargeID", intent.ChargeID))
		case !inserted:
			h.logger.Info("duplicate webhook delivery", zap.String("chargeID", intent.ChargeID))
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
