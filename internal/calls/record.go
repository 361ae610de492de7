package calls

import (
	"encoding/json"
	"time"
)

// PageStatus tracks generation of the personalised page for a call.
type PageStatus string

const (
	PageGenerating PageStatus = "generating"
	PageCompleted  PageStatus = "completed"
	PageFailed     PageStatus = "failed"
)

// SMSStatus tracks the follow-up text message.
type SMSStatus string

const (
	SMSNone    SMSStatus = ""
	SMSPending SMSStatus = "pending"
	SMSSent    SMSStatus = "sent"
	SMSFailed  SMSStatus = "failed"
)

// SMS is the follow-up message state of a call.
type SMS struct {
	Status     SMSStatus `json:"status,omitempty"`
	SentAt     string    `json:"sentAt,omitempty"`
	MessageSID string    `json:"messageSid,omitempty"`
	To         string    `json:"to,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Record is the persisted result of a completed call.
type Record struct {
	CallID         string     `json:"callId"`
	ConversationID string     `json:"conversationId,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	AgencyID       string     `json:"agencyId,omitempty"`
	AgencyName     string     `json:"agencyName,omitempty"`
	AgencyLocation string     `json:"agencyLocation,omitempty"`
	CallerName     string     `json:"callerName,omitempty"`
	CallerPhone    string     `json:"callerPhone,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	DurationSecs   int        `json:"durationSecs,omitempty"`
	PageStatus     PageStatus `json:"pageStatus"`
	PageURL        string     `json:"pageUrl,omitempty"`
	PageError      string     `json:"pageError,omitempty"`
	SMS            SMS        `json:"sms"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// UnmarshalJSON folds the flat sms fields written by older records into SMS.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var aux struct {
		plain
		LegacyStatus     SMSStatus `json:"smsStatus"`
		LegacySentAt     string    `json:"smsSentAt"`
		LegacyMessageSID string    `json:"smsMessageSid"`
		LegacyTo         string    `json:"smsTo"`
		LegacyError      string    `json:"smsError"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	if r.SMS.Status == SMSNone && aux.LegacyStatus != SMSNone {
		r.SMS = SMS{
			Status:     aux.LegacyStatus,
			SentAt:     aux.LegacySentAt,
			MessageSID: aux.LegacyMessageSID,
			To:         aux.LegacyTo,
			Error:      aux.LegacyError,
		}
	}
	return nil
}
