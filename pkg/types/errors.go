package types

import "errors"

// Kind classifies an error for propagation and exit-code purposes
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConfig
	KindNotFound
	KindModelInit
	KindInference
	KindFileOperation
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConfig:
		return "config"
	case KindNotFound:
		return "not found"
	case KindModelInit:
		return "model initialization"
	case KindInference:
		return "model inference"
	case KindFileOperation:
		return "file operation"
	}
	return "unknown"
}

// Sentinel is a named error with a kind. Wrap it with fmt.Errorf("%w: ...")
// to add detail; errors.Is and KindOf still see it.
type Sentinel struct {
	kind Kind
	msg  string
}

func (s *Sentinel) Error() string { return s.msg }

// Kind returns the category of the sentinel
func (s *Sentinel) Kind() Kind { return s.kind }

var (
	ErrInvalidParameter = &Sentinel{KindValidation, "invalid parameter"}
	ErrInvalidPath      = &Sentinel{KindValidation, "invalid path"}

	ErrConfigFileNotFound = &Sentinel{KindConfig, "config file not found"}
	ErrConfigParse        = &Sentinel{KindConfig, "config parse error"}

	ErrImageNotFound = &Sentinel{KindNotFound, "image not found"}
	ErrImageFormat   = &Sentinel{KindNotFound, "unsupported image format"}

	ErrModelInitialization = &Sentinel{KindModelInit, "model initialization failed"}
	ErrModelInference      = &Sentinel{KindInference, "model inference failed"}

	ErrFileOperation = &Sentinel{KindFileOperation, "file operation failed"}
)

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// IsFatal reports whether an error of this kind aborts a whole run.
// Inference and file-operation errors are recoverable per image.
func IsFatal(k Kind) bool {
	switch k {
	case KindInference, KindFileOperation:
		return false
	}
	return true
}
