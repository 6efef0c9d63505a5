package limits

import (
	"errors"
	"testing"
)

func TestValidateMessageBody(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrMessageEmpty},
		{"one byte", 1, nil},
		{"at limit", MaxMessageBody, nil},
		{"over limit", MaxMessageBody + 1, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageBody(make([]byte, tt.size))
			if !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
				t.Errorf("ValidateMessageBody(%d) = %v, want %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFrame(t *testing.T) {
	if err := ValidateFrame(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("ValidateFrame(nil) = %v, want ErrMessageEmpty", err)
	}
	if err := ValidateFrame(make([]byte, 64)); err != nil {
		t.Errorf("ValidateFrame(64 bytes) = %v, want nil", err)
	}
}

func TestPaddingForAlignsToBlock(t *testing.T) {
	for n := 0; n < 512; n++ {
		pad := PaddingFor(n)
		if !ValidPadding(pad) {
			t.Fatalf("PaddingFor(%d) = %d, outside [%d, %d]", n, pad, MinPadding, MaxPadding)
		}
		if (n+pad)%BlockSize != 0 {
			t.Fatalf("PaddingFor(%d) = %d, total %d not aligned to %d", n, pad, n+pad, BlockSize)
		}
		if pad >= MinPadding+BlockSize {
			t.Fatalf("PaddingFor(%d) = %d, not minimal", n, pad)
		}
	}
}

func TestValidateMessageSizeCustom(t *testing.T) {
	if err := ValidateMessageSize(make([]byte, 10), 8); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("ValidateMessageSize over custom limit = %v, want ErrMessageTooLarge", err)
	}
}
