package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/loanpay/internal/domain"
)

// eventNamespace scopes NotificationEvent ids.
var eventNamespace = uuid.MustParse("0c7b8e54-2a7e-4f0a-b6a4-5d3c8f1e9a27")

type ComposerConfig struct {
	SMSEnabled              bool
	EmailEnabled            bool
	ReminderOffsets         []int
	EscalationThresholdDays int
}

// Composer decides whether an installment warrants a message today and
// writes it. It is pure: the same inputs always give the same event.
type Composer struct {
	cfg     ComposerConfig
	offsets map[int]bool
}

func NewComposer(cfg ComposerConfig) *Composer {
	offsets := make(map[int]bool, len(cfg.ReminderOffsets))
	for _, o := range cfg.ReminderOffsets {
		offsets[o] = true
	}
	if cfg.EscalationThresholdDays < 1 {
		cfg.EscalationThresholdDays = 1
	}
	return &Composer{cfg: cfg, offsets: offsets}
}

// Compose returns the reminder or escalation for inst as of today, or false
// when nothing should be sent.
func (c *Composer) Compose(inst domain.Installment, client domain.Client, today time.Time) (domain.NotificationEvent, bool) {
	day := calendarDay(today)
	daysUntilDue := int(calendarDay(inst.DueDate).Sub(day).Hours() / 24)

	var kind domain.NotificationKind
	switch {
	case daysUntilDue >= 0 && c.offsets[daysUntilDue]:
		kind = domain.NotificationReminder
	case daysUntilDue < 0 && -daysUntilDue >= c.cfg.EscalationThresholdDays:
		kind = domain.NotificationEscalation
	default:
		return domain.NotificationEvent{}, false
	}

	channel, ok := c.channel(client)
	if !ok {
		return domain.NotificationEvent{}, false
	}

	ev := domain.NotificationEvent{
		ID:            EventID(inst.ID, kind, day),
		ClientID:      client.ID,
		LoanID:        inst.LoanID,
		InstallmentID: inst.ID,
		Kind:          kind,
		Channel:       channel,
		Status:        domain.NotificationPending,
		ScheduledFor:  day,
	}
	if channel != domain.ChannelEmail {
		ev.Phone = client.Phone
	}
	if channel != domain.ChannelSMS {
		ev.Email = client.Email
	}

	if kind == domain.NotificationReminder {
		ev.Tone = ToneFor(client.OnTimeRate)
		ev.RiskLevel = reminderRisk(client.OnTimeRate)
		ev.Subject, ev.Message = reminderText(inst, client, ev.Tone, daysUntilDue)
	} else {
		ev.DaysPastDue = -daysUntilDue
		ev.Tone = domain.ToneUrgent
		ev.RiskLevel = c.escalationRisk(client.OnTimeRate, ev.DaysPastDue)
		ev.Subject, ev.Message = escalationText(inst, client, ev.DaysPastDue)
	}
	return ev, true
}

// EventID is the deterministic id of the one event allowed per installment,
// kind and calendar day.
func EventID(installmentID string, kind domain.NotificationKind, day time.Time) string {
	key := installmentID + "|" + string(kind) + "|" + calendarDay(day).Format(time.DateOnly)
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

// ToneFor picks the reminder register from an on-time payment percentage.
func ToneFor(onTimeRate float64) domain.Tone {
	switch {
	case onTimeRate >= 80:
		return domain.ToneFriendly
	case onTimeRate >= 50:
		return domain.ToneEncouraging
	default:
		return domain.ToneFirm
	}
}

// channel narrows the globally enabled channels to those the client can be
// reached on.
func (c *Composer) channel(client domain.Client) (domain.Channel, bool) {
	sms := c.cfg.SMSEnabled && strings.TrimSpace(client.Phone) != ""
	email := c.cfg.EmailEnabled && strings.Contains(client.Email, "@")
	switch {
	case sms && email:
		return domain.ChannelBoth, true
	case sms:
		return domain.ChannelSMS, true
	case email:
		return domain.ChannelEmail, true
	}
	return "", false
}

func reminderRisk(rate float64) domain.RiskLevel {
	switch {
	case rate >= 80:
		return domain.RiskLow
	case rate >= 50:
		return domain.RiskMedium
	default:
		return domain.RiskHigh
	}
}

func (c *Composer) escalationRisk(rate float64, daysOverdue int) domain.RiskLevel {
	if rate < 50 || daysOverdue >= 2*c.cfg.EscalationThresholdDays {
		return domain.RiskHigh
	}
	return domain.RiskMedium
}

func reminderText(inst domain.Installment, client domain.Client, tone domain.Tone, daysUntilDue int) (string, string) {
	amount := formatAmount(inst)
	due := calendarDay(inst.DueDate).Format("2 January 2006")
	when := dueWhen(daysUntilDue)
	name := firstName(client.Name)

	subject := fmt.Sprintf("Repayment reminder: %s due %s", amount, due)
	var body string
	switch tone {
	case domain.ToneFriendly:
		body = fmt.Sprintf("Hi %s, a friendly reminder that your installment of %s is due %s (%s). Thank you for always paying on time!",
			name, amount, when, due)
	case domain.ToneEncouraging:
		body = fmt.Sprintf("Hi %s, your installment of %s is due %s (%s). Paying on time keeps your loan in good standing, and you are almost there.",
			name, amount, when, due)
	default:
		body = fmt.Sprintf("Dear %s, your installment of %s is due %s (%s). Please make sure payment is made by the due date to avoid penalties.",
			name, amount, when, due)
	}
	return subject, body
}

func escalationText(inst domain.Installment, client domain.Client, daysOverdue int) (string, string) {
	amount := formatAmount(inst)
	due := calendarDay(inst.DueDate).Format("2 January 2006")
	subject := fmt.Sprintf("URGENT: overdue installment of %s", amount)
	body := fmt.Sprintf("URGENT: Dear %s, your installment of %s due on %s is %d %s overdue. Please pay immediately or contact your loan officer to avoid further action.",
		firstName(client.Name), amount, due, daysOverdue, plural(daysOverdue, "day", "days"))
	return subject, body
}

func dueWhen(days int) string {
	switch days {
	case 0:
		return "today"
	case 1:
		return "tomorrow"
	}
	return fmt.Sprintf("in %d days", days)
}

func formatAmount(inst domain.Installment) string {
	return strings.TrimSpace(inst.Currency + " " + inst.Amount.StringFixed(2))
}

func firstName(full string) string {
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return "customer"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
