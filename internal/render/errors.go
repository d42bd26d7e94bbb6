package render

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKind          = errors.New("invalid render kind")
	ErrInvalidStatus        = errors.New("invalid render status")
	ErrInvalidRequest       = errors.New("invalid render request")
	ErrProviderUnavailable  = errors.New("render provider not configured")
	ErrInvalidServiceConfig = errors.New("invalid render service config")
)

// GenerationErrorKind classifies provider failures.
type GenerationErrorKind string

const (
	GenerationSafetyBlock GenerationErrorKind = "SAFETY_BLOCK"
	GenerationTransient   GenerationErrorKind = "TRANSIENT"
	GenerationFatal       GenerationErrorKind = "FATAL"
)

// GenerationError is returned by image and video providers.
type GenerationError struct {
	Kind    GenerationErrorKind
	Message string
	Err     error
}

// Error returns the formatted error message.
func (generationError *GenerationError) Error() string {
	if generationError.Err != nil {
		return fmt.Sprintf("generation %s: %s: %v", generationError.Kind, generationError.Message, generationError.Err)
	}
	return fmt.Sprintf("generation %s: %s", generationError.Kind, generationError.Message)
}

// Unwrap returns the underlying error.
func (generationError *GenerationError) Unwrap() error {
	return generationError.Err
}

// IsSafetyBlock reports whether err is a provider safety refusal.
func IsSafetyBlock(err error) bool {
	var generationError *GenerationError
	if errors.As(err, &generationError) {
		return generationError.Kind == GenerationSafetyBlock
	}
	return false
}

// failureMessage is the message stored on a failed render.
func failureMessage(err error) string {
	var generationError *GenerationError
	if errors.As(err, &generationError) && generationError.Message != "" {
		return generationError.Message
	}
	return err.Error()
}
