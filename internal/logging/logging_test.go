package logging

import (
	"context"
	"testing"
)

func TestWithContextFromContext(t *testing.T) {
	logger := NewLogger("debug")
	ctx := WithContext(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Fatal("FromContext should return the logger stored by WithContext")
	}
}

func TestFromContextDefaultsWithoutPanicking(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext should never return nil")
	}
}

func TestParseLevelUnrecognizedDefaultsInfo(t *testing.T) {
	if parseLevel("bogus") != parseLevel("info") {
		t.Fatal("unrecognized level should default to info")
	}
}
