package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/renderwatch/internal/app/polling"
	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

func TestIsQuotaError(t *testing.T) {
	tests := []struct {
		name    string
		message string
		code    string
		want    bool
	}{
		{name: "insufficient credits text", message: "Insufficient credits for video generation", want: true},
		{name: "quota text", message: "Monthly QUOTA exceeded", want: true},
		{name: "out of credits", message: "Account is out of credits", want: true},
		{name: "usage limit", message: "monthly usage limit hit", want: true},
		{name: "code only", message: "request rejected", code: "insufficient_credits", want: true},
		{name: "payment required code", message: "transport: status 402: rejected", code: tasks.CodePaymentRequired, want: true},
		{name: "generic failure", message: "ffmpeg exited with status 1", want: false},
		{name: "digits inside a frame number", message: "ffmpeg exited while encoding frame 14021", want: false},
		{name: "bare 402 in text", message: "scene 402 has no audio track", want: false},
		{name: "credits as a noun", message: "failed to render end credits overlay", want: false},
		{name: "unrelated limit", message: "recursion limit reached in template", want: false},
		{name: "empty", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsQuotaError(tt.message, tt.code))
		})
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name    string
		failure *polling.Failure
		want    string
	}{
		{
			name:    "quota failure gets the specific message",
			failure: &polling.Failure{Kind: polling.FailureTerminal, Message: "insufficient credits"},
			want:    quotaMessage,
		},
		{
			name:    "generic failure includes raw text",
			failure: &polling.Failure{Kind: polling.FailureTerminal, Message: "model crashed"},
			want:    "Scene 2 failed: model crashed",
		},
		{
			name:    "numbers in raw text are not a quota failure",
			failure: &polling.Failure{Kind: polling.FailureTerminal, Message: "ffmpeg exited while encoding frame 14021"},
			want:    "Scene 2 failed: ffmpeg exited while encoding frame 14021",
		},
		{
			name:    "lost job names the id",
			failure: &polling.Failure{Kind: polling.FailureLost, JobID: "job-9"},
			want:    "Scene 2 was lost: the server no longer recognizes job job-9.",
		},
		{
			name:    "timeout",
			failure: &polling.Failure{Kind: polling.FailureTimeout, Message: "no terminal status within 10m0s"},
			want:    "Scene 2 did not finish in time: no terminal status within 10m0s",
		},
		{
			name:    "submit error",
			failure: &polling.Failure{Kind: polling.FailureSubmit, Message: "connection refused"},
			want:    "Scene 2 could not be submitted: connection refused",
		},
		{
			name:    "missing message falls back to kind",
			failure: &polling.Failure{Kind: polling.FailurePermanent},
			want:    "Scene 2 failed: permanent",
		},
		{
			name: "nil failure",
			want: "Scene 2 failed: unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage("Scene 2", tt.failure))
		})
	}
}
