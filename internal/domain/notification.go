package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Installment is one unpaid line of a loan repayment schedule.
type Installment struct {
	ID       string          `json:"id"`
	LoanID   string          `json:"loan_id"`
	ClientID string          `json:"client_id"`
	Number   int             `json:"number"`
	DueDate  time.Time       `json:"due_date"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Client is the contact and behaviour snapshot of a borrower.
// OnTimeRate is the percentage (0-100) of past installments paid on time.
type Client struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Phone      string  `json:"phone,omitempty"`
	Email      string  `json:"email,omitempty"`
	OnTimeRate float64 `json:"on_time_rate"`
}

// DueItem is an installment joined with its borrower, as yielded by the
// repayment schedule source.
type DueItem struct {
	Installment Installment
	Client      Client
}

type NotificationKind string

const (
	NotificationReminder   NotificationKind = "reminder"
	NotificationEscalation NotificationKind = "escalation"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelBoth  Channel = "both"
)

// Targets expands a channel selection into the individual delivery channels.
func (c Channel) Targets() []Channel {
	switch c {
	case ChannelSMS:
		return []Channel{ChannelSMS}
	case ChannelEmail:
		return []Channel{ChannelEmail}
	case ChannelBoth:
		return []Channel{ChannelSMS, ChannelEmail}
	}
	return nil
}

type NotificationStatus string

const (
	NotificationPending          NotificationStatus = "pending"
	NotificationSent             NotificationStatus = "sent"
	NotificationFailed           NotificationStatus = "failed"
	NotificationEscalatedToHuman NotificationStatus = "escalated_to_human"
)

// Terminal reports whether the event has reached a final delivery outcome.
func (s NotificationStatus) Terminal() bool {
	return s != NotificationPending && s != ""
}

// Tone is the register of a reminder, picked from the client's payment history.
type Tone string

const (
	ToneFriendly    Tone = "friendly"
	ToneEncouraging Tone = "encouraging"
	ToneFirm        Tone = "firm"
	ToneUrgent      Tone = "urgent"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// NotificationEvent is one composed reminder or escalation and its delivery outcome.
// There is at most one event per (installment, kind, calendar day); ID is derived
// from that triple.
type NotificationEvent struct {
	ID                string             `json:"id"`
	ClientID          string             `json:"client_id"`
	LoanID            string             `json:"loan_id"`
	InstallmentID     string             `json:"installment_id"`
	Kind              NotificationKind   `json:"kind"`
	Channel           Channel            `json:"channel"`
	Tone              Tone               `json:"tone"`
	Subject           string             `json:"subject"`
	Message           string             `json:"message"`
	RiskLevel         RiskLevel          `json:"risk_level"`
	DaysPastDue       int                `json:"days_past_due"`
	Phone             string             `json:"phone,omitempty"`
	Email             string             `json:"email,omitempty"`
	Status            NotificationStatus `json:"status"`
	ScheduledFor      time.Time          `json:"scheduled_for"`
	SentAt            *time.Time         `json:"sent_at,omitempty"`
	DeliveryReference string             `json:"delivery_reference,omitempty"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
