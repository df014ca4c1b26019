package uploader

import "testing"

func TestGenerateS3Key(t *testing.T) {
	tests := []struct {
		filename string
		want     string
		wantErr  bool
	}{
		{"diag_20260826_1030.jsonl", "2026/08/26/diag_20260826_1030.jsonl", false},
		{"diag_20251231_2359.jsonl", "2025/12/31/diag_20251231_2359.jsonl", false},
		{"notes.jsonl", "", true},
		{"chat_foo_20260826_1030.jsonl", "", true},
		{"diag_garbage_time.jsonl", "", true},
	}
	for _, tt := range tests {
		got, err := generateS3Key(tt.filename)
		if tt.wantErr {
			if err == nil {
				t.Errorf("generateS3Key(%q): expected error, got %q", tt.filename, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("generateS3Key(%q): %v", tt.filename, err)
			continue
		}
		if got != tt.want {
			t.Errorf("generateS3Key(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}
