package jq

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestExecutor_Execute(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       interface{}
		want       interface{}
		wantErr    bool
	}{
		{
			name:       "empty expression returns data as-is",
			expression: "",
			data:       map[string]interface{}{"event_kind": "tool_call"},
			want:       map[string]interface{}{"event_kind": "tool_call"},
		},
		{
			name:       "simple field extraction",
			expression: ".event_kind",
			data:       map[string]interface{}{"event_kind": "rate_limited"},
			want:       "rate_limited",
		},
		{
			name:       "select over entries",
			expression: `map(select(.event_kind == "tool_call"))`,
			data: []interface{}{
				map[string]interface{}{"event_kind": "tool_call", "subject": "shell"},
				map[string]interface{}{"event_kind": "rate_limited"},
			},
			want: []interface{}{map[string]interface{}{"event_kind": "tool_call", "subject": "shell"}},
		},
		{
			name:       "multiple results collected into array",
			expression: ".[]",
			data:       []interface{}{"a", "b"},
			want:       []interface{}{"a", "b"},
		},
		{
			name:       "invalid expression",
			expression: ".[",
			data:       map[string]interface{}{"event_kind": "tool_call"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			got, err := executor.Execute(context.Background(), tt.expression, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Execute() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Execute() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecutor_NormalizesStructs(t *testing.T) {
	type entry struct {
		Kind    string `json:"event_kind"`
		Subject string `json:"subject,omitempty"`
	}

	executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
	got, err := executor.Execute(context.Background(), "map(.event_kind)", []entry{
		{Kind: "tool_call", Subject: "shell"},
		{Kind: "rate_limited"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []interface{}{"tool_call", "rate_limited"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Execute() = %v, want %v", got, want)
	}
}

func TestExecutor_Validate(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		wantErr    bool
	}{
		{
			name:       "empty expression is valid",
			expression: "",
			wantErr:    false,
		},
		{
			name:       "simple expression is valid",
			expression: ".actor.user_id",
			wantErr:    false,
		},
		{
			name:       "invalid expression",
			expression: ".[",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			err := executor.Validate(tt.expression)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecutor_Timeout(t *testing.T) {
	executor := NewExecutor(100*time.Millisecond, DefaultMaxInputSize)

	// This expression loops forever.
	_, err := executor.Execute(context.Background(), "while(true; . + 1)", 0)
	if err == nil {
		t.Error("Execute() expected timeout error, got nil")
	}
}

func TestExecutor_InputSizeLimit(t *testing.T) {
	executor := NewExecutor(DefaultTimeout, 16)

	_, err := executor.Execute(context.Background(), ".", strings.Repeat("x", 64))
	if err == nil {
		t.Fatal("Execute() expected size limit error, got nil")
	}
	if !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("Execute() error = %v, want size limit message", err)
	}
}
