package service

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/mmeshcher/sternosol-system/internal/model"
)

// RecordOfflineContribution регистрирует взнос по загруженной квитанции.
// Сумма берётся из настроек группы, а не от клиента.
func (s *Service) RecordOfflineContribution(ctx context.Context, userID, groupeID int64, period int, filename string) (int64, error) {
	if period < 1 || period == model.PayoutPeriod {
		return 0, fmt.Errorf("%w: period number %d", ErrInvalidInput, period)
	}
	if filename == "" {
		return 0, fmt.Errorf("%w: receipt file is required", ErrInvalidInput)
	}

	g, err := s.repo.GetGroup(ctx, groupeID)
	if err != nil {
		return 0, err
	}

	amountCentimes := int64(math.Round(g.MontantParPeriode * 100))
	return s.repo.CreatePayment(ctx, userID, groupeID, period, amountCentimes,
		model.MethodOffline, filename, model.StatusEnAttente)
}

// RecordOnlineContribution регистрирует подтверждённый платёжной системой взнос.
// Метаданные события считаются недоверенным вводом и проверяются так же,
// как данные любого другого входа. Повторная доставка того же charge id — no-op.
func (s *Service) RecordOnlineContribution(ctx context.Context, chargeID string, amountCentimes int64, metadata map[string]string) (bool, error) {
	if chargeID == "" {
		return false, fmt.Errorf("%w: charge id is required", ErrInvalidInput)
	}

	userID, err := strconv.ParseInt(metadata["userId"], 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: userId metadata", ErrInvalidInput)
	}
	groupeID, err := strconv.ParseInt(metadata["groupeId"], 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: groupeId metadata", ErrInvalidInput)
	}
	period, err := strconv.Atoi(metadata["periodNumber"])
	if err != nil || period < 1 || period == model.PayoutPeriod {
		return false, fmt.Errorf("%w: periodNumber metadata", ErrInvalidInput)
	}

	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return false, err
	}
	if _, err := s.repo.GetGroup(ctx, groupeID); err != nil {
		return false, err
	}

	return s.repo.CreateStripePayment(ctx, userID, groupeID, period, amountCentimes, chargeID)
}

// ListContributions возвращает платежи пары (пользователь, группа)
// по возрастанию номера периода.
func (s *Service) ListContributions(ctx context.Context, userID, groupeID int64) ([]model.Payment, error) {
	return s.repo.GetPaymentsByUserAndGroup(ctx, userID, groupeID)
}

// ListAllContributions возвращает полный журнал платежей, новые записи первыми.
func (s *Service) ListAllContributions(ctx context.Context) ([]model.LedgerEntry, error) {
	return s.repo.GetAllPayments(ctx)
}

// UpdatePaymentStatus переводит платёж в новый статус согласно таблице переходов.
func (s *Service) UpdatePaymentStatus(ctx context.Context, paymentID int64, status model.PaymentStatus) error {
	if !model.IsValidStatus(status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	if !model.CanTransition(p.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, status)
	}

	return s.repo.UpdatePaymentStatus(ctx, paymentID, p.Status, status)
}

// RecordPayout регистрирует выплату пота сентинельной записью периода 999.
// Вторая действующая выплата для той же пары отклоняется.
func (s *Service) RecordPayout(ctx context.Context, userID, groupeID int64, amount float64) (int64, error) {
	amountCentimes := int64(math.Round(amount * 100))
	if amountCentimes <= 0 {
		return 0, fmt.Errorf("%w: payout amount must be positive", ErrInvalidInput)
	}

	return s.repo.CreatePayout(ctx, userID, groupeID, amountCentimes)
}

// EligibleForPayout сообщает, может ли пользователь получить пот: есть хотя бы один
// неотменённый и неотклонённый взнос и нет действующей выплаты. Полной оплаты всех
// периодов не требуется — осознанное бизнес-правило.
func (s *Service) EligibleForPayout(ctx context.Context, userID, groupeID int64) (bool, error) {
	hasContribution, err := s.repo.HasActiveContribution(ctx, userID, groupeID)
	if err != nil {
		return false, err
	}
	if !hasContribution {
		return false, nil
	}

	hasPayout, err := s.repo.HasActivePayout(ctx, userID, groupeID)
	if err != nil {
		return false, err
	}

	return !hasPayout, nil
}

// NextPeriod возвращает следующий неоплаченный период пары (пользователь, группа).
// Отклонённые и отменённые периоды предлагаются повторно.
func (s *Service) NextPeriod(ctx context.Context, userID, groupeID int64) (int, error) {
	payments, err := s.repo.GetPaymentsByUserAndGroup(ctx, userID, groupeID)
	if err != nil {
		return 0, err
	}

	maxPeriod := 0
	for _, p := range payments {
		if p.CountsForProgress() && p.PeriodNumber > maxPeriod {
			maxPeriod = p.PeriodNumber
		}
	}

	return maxPeriod + 1, nil
}

// Stats считает сводные показатели как свёртку полного журнала:
// собранные взносы, количество ожидающих проверки и выплаченные суммы.
func (s *Service) Stats(ctx context.Context) (*model.Stats, error) {
	entries, err := s.repo.GetAllPayments(ctx)
	if err != nil {
		return nil, err
	}

	var stats model.Stats
	for _, e := range entries {
		switch e.Status {
		case model.StatusPaid, model.StatusValide:
			if e.PeriodNumber != model.PayoutPeriod {
				stats.Collected += e.Amount
			}
		case model.StatusEnAttente:
			stats.PendingCount++
		case model.StatusTransfere:
			stats.Distributed += e.Amount
		}
	}

	return &stats, nil
}
