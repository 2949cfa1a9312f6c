package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError collects per-field failures so a single response can
// report all of them.
type ValidationError struct {
	Fields map[string]error
}

func (v *ValidationError) Add(field string, err error) {
	if v.Fields == nil {
		v.Fields = make(map[string]error)
	}
	if _, exists := v.Fields[field]; exists {
		return
	}
	v.Fields[field] = err
}

// OrNil returns nil when no field failed, so the result can be returned as error.
func (v *ValidationError) OrNil() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	names := make([]string, 0, len(v.Fields))
	for name := range v.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, v.Fields[name]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the field sentinels to errors.Is.
func (v *ValidationError) Unwrap() []error {
	out := make([]error, 0, len(v.Fields))
	for _, err := range v.Fields {
		out = append(out, err)
	}
	return out
}

// Messages maps each failing field to a user-facing Vietnamese message.
func (v *ValidationError) Messages() map[string]string {
	out := make(map[string]string, len(v.Fields))
	for field, err := range v.Fields {
		out[field] = Message(err)
	}
	return out
}

func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

var messages = map[error]string{
	ErrInvalidAmount:      "Số tiền không hợp lệ",
	ErrAmountTooSmall:     "Số tiền tối thiểu 1.000đ",
	ErrEmptyDescription:   "Nhập tên khoản chi",
	ErrDescriptionTooLong: "Tên khoản chi tối đa 200 ký tự",
	ErrUnknownPayer:       "Người trả không hợp lệ",
	ErrNoConsumers:        "Chọn ít nhất 1 người tiêu",
	ErrUnknownConsumer:    "Người tiêu không hợp lệ",
	ErrFundNotExclusive:   "Quỹ không thể chọn cùng thành viên khác",
	ErrInvalidDate:        "Ngày không hợp lệ",
	ErrInvalidMonth:       "Tháng phải từ 1 đến 12",
	ErrInvalidYear:        "Năm không hợp lệ",
	ErrInvalidLimit:       "Giới hạn không hợp lệ",
}

// Message returns the localized text for a validation sentinel.
func Message(err error) string {
	for sentinel, msg := range messages {
		if errors.Is(err, sentinel) {
			return msg
		}
	}
	return err.Error()
}
