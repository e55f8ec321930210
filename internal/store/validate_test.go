package store

import (
	"strings"
	"testing"
	"time"
)

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty", "", true},
		{"jid", "628123456789@s.whatsapp.net", false},
		{"max_length", strings.Repeat("a", 255), false},
		{"too_long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID(%d chars) error = %v, wantErr %v", len(tt.id), err, tt.wantErr)
			}
		})
	}
}

func TestUserRecordTouch(t *testing.T) {
	rec := &UserRecord{ID: "a"}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("WIB", 7*3600))
	rec.Touch(at)
	rec.Touch(at)
	if rec.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", rec.MessageCount)
	}
	if !rec.LastActiveAt.Equal(at) || rec.LastActiveAt.Location() != time.UTC {
		t.Errorf("LastActiveAt = %v, want %v in UTC", rec.LastActiveAt, at)
	}
}
