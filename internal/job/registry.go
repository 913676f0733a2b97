package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var typeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

const legacyTypeKey = "jobType"

// HandlerFunc executes a job of input type S. The returned value becomes the
// payload of the complete event; a non-nil error becomes the critical event.
type HandlerFunc[S Spec] func(ctx context.Context, input S, j *Job, pool Pool) (any, error)

// Definition is a registered job type with its type-erased handler.
type Definition struct {
	Type     string
	SpecType reflect.Type

	decode func(data []byte) (Spec, error)
	run    func(ctx context.Context, input Spec, j *Job, pool Pool) (any, error)
}

// Registry maps job_type names to definitions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*Definition
	validate *validator.Validate
	log      *zap.Logger
}

// NewRegistry creates an empty registry. Validation errors are reported by
// JSON field name, so v gets a tag name func registered on it.
func NewRegistry(v *validator.Validate, log *zap.Logger) *Registry {
	if v == nil {
		v = validator.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Registry{
		defs:     make(map[string]*Definition),
		validate: v,
		log:      log.Named("registry"),
	}
}

// Register binds typeName to handler with input type S. S must be a struct
// embedding BaseSpec. Registering an existing name replaces it.
//
// This is a package-level function because methods cannot have type
// parameters.
func Register[S Spec](r *Registry, typeName string, handler HandlerFunc[S]) error {
	specType := reflect.TypeOf((*S)(nil)).Elem()

	if !typeNamePattern.MatchString(typeName) {
		return &RegistrationError{Type: typeName, Reason: "type name must match " + typeNamePattern.String()}
	}
	if handler == nil {
		return &RegistrationError{Type: typeName, Reason: "handler is nil"}
	}
	if specType.Kind() != reflect.Struct {
		return &RegistrationError{
			Type:   typeName,
			Reason: fmt.Sprintf("input type %s must be a struct embedding job.BaseSpec", specType),
		}
	}

	def := &Definition{
		Type:     typeName,
		SpecType: specType,
		decode: func(data []byte) (Spec, error) {
			var s S
			if err := decodeStrict(data, &s); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
			}
			// Legacy clients send jobType, which leaves job_type empty.
			if s.JobType() == "" {
				if setter, ok := any(&s).(jobTypeSetter); ok {
					setter.setJobType(typeName)
				}
			}
			if err := r.validate.Struct(s); err != nil {
				return nil, toValidationError(err)
			}
			return s, nil
		},
		run: func(ctx context.Context, input Spec, j *Job, pool Pool) (any, error) {
			s, ok := input.(S)
			if !ok {
				return nil, fmt.Errorf("job %s: input is %T, handler expects %s", typeName, input, specType)
			}
			return handler(ctx, s, j, pool)
		},
	}

	r.mu.Lock()
	_, replaced := r.defs[typeName]
	r.defs[typeName] = def
	r.mu.Unlock()

	if replaced {
		r.log.Warn("Replaced handler for job type", zap.String("job_type", typeName), zap.Stringer("spec", specType))
	} else {
		r.log.Info("Registered handler for job type", zap.String("job_type", typeName), zap.Stringer("spec", specType))
	}
	return nil
}

// MustRegister is Register for startup code: a malformed registration panics.
func MustRegister[S Spec](r *Registry, typeName string, handler HandlerFunc[S]) {
	if err := Register(r, typeName, handler); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for typeName.
func (r *Registry) Lookup(typeName string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[typeName]
	return def, ok
}

// Types returns the registered names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode turns a request body into the spec type registered for its
// job_type and validates it.
func (r *Registry) Decode(data []byte) (Spec, error) {
	var probe struct {
		JobType       string `json:"job_type"`
		LegacyJobType string `json:"jobType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}

	typeName := probe.JobType
	if typeName == "" {
		typeName = probe.LegacyJobType
	}
	if typeName == "" {
		return nil, &ValidationError{Fields: map[string]string{"job_type": "required"}}
	}

	def, ok := r.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownJobType, typeName)
	}
	return def.decode(data)
}

// decodeStrict unmarshals data into v, rejecting fields v does not declare.
// The legacy jobType key is always accepted.
func decodeStrict(data []byte, v any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if _, ok := fields[legacyTypeKey]; ok {
		delete(fields, legacyTypeKey)
		stripped, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		data = stripped
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, e := range verrs {
		fields[e.Field()] = e.Tag()
	}
	return &ValidationError{Fields: fields}
}
