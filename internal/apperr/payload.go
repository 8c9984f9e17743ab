package apperr

import (
	"errors"
	"strconv"
)

// Payload is the normalized error shape published with syncError events.
type Payload struct {
	Code    string `json:"code"`
	SubCode string `json:"subCode,omitempty"`
	Message string `json:"message"`
}

// Normalize maps any error onto a Payload.
func Normalize(err error) Payload {
	if err == nil {
		return Payload{}
	}
	var (
		se  *ServerError
		ne  *NetworkError
		ie  *InternalError
		nee *NotExistsError
		ipe *InvalidParamError
	)
	switch {
	case errors.Is(err, ErrInvalidPassword):
		p := Payload{Code: "WizErrorInvalidPassword", Message: err.Error()}
		if errors.As(err, &se) {
			p.SubCode = strconv.Itoa(se.Code)
		}
		return p
	case errors.As(err, &se):
		return Payload{Code: "WizErrorServer", SubCode: subCode(se), Message: se.Message}
	case errors.As(err, &ne):
		return Payload{Code: "WizErrorNetwork", Message: err.Error()}
	case errors.Is(err, ErrLockTimeout):
		return Payload{Code: "WizErrorLockTimeout", Message: err.Error()}
	case errors.As(err, &nee):
		return Payload{Code: "WizErrorNotExists", Message: err.Error()}
	case errors.As(err, &ipe):
		return Payload{Code: "WizErrorInvalidParam", Message: err.Error()}
	case errors.Is(err, ErrNoAccount):
		return Payload{Code: "WizErrorNoAccount", Message: err.Error()}
	case errors.As(err, &ie):
		return Payload{Code: "WizErrorInternal", Message: err.Error()}
	default:
		return Payload{Code: "WizErrorUnknown", Message: err.Error()}
	}
}

func subCode(se *ServerError) string {
	if se.ExternCode != "" {
		return se.ExternCode
	}
	return strconv.Itoa(se.Code)
}
