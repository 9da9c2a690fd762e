// Package model содержит доменные сущности сервиса стерносол.
package model

import "time"

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// User представляет зарегистрированного участника сола.
type User struct {
	ID              int64
	Nom             string
	Prenom          string
	Email           string
	PasswordHash    []byte
	Telephone       string
	Banque          string
	DateInscription time.Time
	Role            Role
}

// Group описывает сол — группу ротационных накоплений.
type Group struct {
	ID                 int64
	NomSol             string
	MontantParPeriode  float64
	Frequence          int
	Statut             string
	CreatedBy          string
	NombreParticipants int
	DateCreation       time.Time
}

// Participation связывает пользователя с группой.
type Participation struct {
	ID                int64
	UserID            int64
	GroupeID          int64
	DateParticipation time.Time
}

// PaymentStatus описывает статус записи в журнале платежей.
type PaymentStatus string

const (
	StatusEnAttente PaymentStatus = "en_attente"
	StatusValide    PaymentStatus = "validé"
	StatusRejete    PaymentStatus = "rejeté"
	StatusPaid      PaymentStatus = "paid"
	StatusTransfere PaymentStatus = "transféré"
	StatusAnnule    PaymentStatus = "annulé"
)

// PaymentMethod описывает способ внесения платежа.
type PaymentMethod string

const (
	MethodOffline  PaymentMethod = "offline"
	MethodStripe   PaymentMethod = "stripe"
	MethodVirement PaymentMethod = "virement_admin"
)

// PayoutPeriod — сентинельный номер периода, обозначающий выплату пота.
// Записи с этим номером не участвуют в арифметике прогресса взносов.
const PayoutPeriod = 999

// Payment — запись журнала взносов и выплат.
type Payment struct {
	ID             int64
	UserID         int64
	GroupeID       int64
	PeriodNumber   int
	Amount         float64
	Method         PaymentMethod
	FilePath       string
	Status         PaymentStatus
	CreatedAt      time.Time
	StripeChargeID string
}

// LedgerEntry — платёж вместе с отображаемыми полями пользователя и группы.
type LedgerEntry struct {
	Payment
	Nom    string
	Prenom string
	Email  string
	NomSol string
}

// Stats содержит сводные показатели по журналу платежей.
type Stats struct {
	Collected    float64 `json:"collected"`
	PendingCount int     `json:"pendingCount"`
	Distributed  float64 `json:"distributed"`
}

// allowedTransitions задаёт таблицу допустимых переходов статусов.
// Админ может отменить принятое решение, annulé — терминальный статус.
var allowedTransitions = map[PaymentStatus][]PaymentStatus{
	StatusEnAttente: {StatusValide, StatusRejete},
	StatusValide:    {StatusEnAttente, StatusAnnule},
	StatusRejete:    {StatusEnAttente},
	StatusPaid:      {StatusAnnule},
	StatusTransfere: {StatusAnnule},
}

// IsValidStatus сообщает, известен ли системе указанный статус.
func IsValidStatus(s PaymentStatus) bool {
	switch s {
	case StatusEnAttente, StatusValide, StatusRejete, StatusPaid, StatusTransfere, StatusAnnule:
		return true
	}
	return false
}

// CanTransition сообщает, допустим ли переход статуса from в to.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CountsForProgress сообщает, учитывается ли запись при расчёте прогресса
// взносов и следующего неоплаченного периода.
func (p Payment) CountsForProgress() bool {
	if p.PeriodNumber == PayoutPeriod {
		return false
	}
	return p.Status != StatusAnnule && p.Status != StatusRejete
}
