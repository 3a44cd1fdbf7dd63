package notify

import (
	"net/url"
	"strconv"
	"strings"

	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/governor"
	"tickwatch/internal/models"
)

// CallStatus is a final call-state event posted by the provider.
type CallStatus struct {
	CallSID  string
	Identity string // the sender identity the call was placed from
	UserID   string
	AlertID  string
	Outcome  governor.Outcome
}

// ParseCallStatus decodes a status callback. query carries the user and alert
// added when the call was placed; form is the provider's POST body.
// Non-final states (queued, ringing, in-progress) are reported as not final.
func ParseCallStatus(query, form url.Values) (CallStatus, bool, error) {
	cs := CallStatus{
		CallSID:  form.Get("CallSid"),
		Identity: form.Get("From"),
		UserID:   query.Get("user"),
		AlertID:  query.Get("alert"),
	}
	if cs.CallSID == "" || cs.Identity == "" {
		return cs, false, apperrors.NewValidationError("CallSid", cs.CallSID, "missing call sid or caller")
	}
	if cs.UserID == "" {
		return cs, false, apperrors.NewValidationError("user", "", "callback URL carries no user")
	}

	status := models.CallOutcome(strings.ToLower(form.Get("CallStatus")))
	switch status {
	case models.OutcomeCompleted, models.OutcomeFailed, models.OutcomeBusy, models.OutcomeNoAnswer, models.OutcomeCanceled:
	default:
		return cs, false, nil
	}

	cs.Outcome.Status = status
	if d := form.Get("CallDuration"); d != "" {
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			cs.Outcome.DurationSeconds = secs
		}
	}
	answeredBy := strings.ToLower(form.Get("AnsweredBy"))
	cs.Outcome.MachineDetected = strings.HasPrefix(answeredBy, "machine") || answeredBy == "fax"
	return cs, true, nil
}
