// Package message maps type tags to message schemas and converts messages to
// and from their JSON wire form.
//
// A serialized message is a single JSON object carrying its tag in the
// reserved "__id" field:
//
//	{"__id":"HelloMessage","message":"Hello from RoBart"}
//
// Messages are plain Go structs. Field names come from `json` struct tags;
// fields tagged omitempty are optional when decoding, all others are required.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// DiscriminatorField is the reserved JSON field holding a message's tag.
const DiscriminatorField = "__id"

// Raw is a message carried as its original wire bytes. Deserialize returns Raw
// for opaque tags, and Serialize emits Payload unchanged.
type Raw struct {
	Tag     string
	Payload []byte
}

// Decoded is the result of Deserialize.
type Decoded struct {
	Tag     string
	Message any
}

type field struct {
	name     string
	index    []int
	typ      reflect.Type
	optional bool
}

type schema struct {
	tag    string
	typ    reflect.Type // nil for opaque tags
	fields []field
}

// Registry holds the tag-to-schema table. Registration normally happens once
// at startup; lookups are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byTag  map[string]*schema
	byType map[reflect.Type]*schema
}

func NewRegistry() *Registry {
	return &Registry{
		byTag:  make(map[string]*schema),
		byType: make(map[reflect.Type]*schema),
	}
}

// Register binds tag to the struct type of prototype. prototype may be a
// struct value or a pointer to one; decoded messages are always struct values.
func (r *Registry) Register(tag string, prototype any) error {
	if strings.TrimSpace(tag) == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidSchema)
	}
	if prototype == nil {
		return fmt.Errorf("%w: %s: nil prototype", ErrInvalidSchema, tag)
	}
	typ := reflect.TypeOf(prototype)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return fmt.Errorf("%w: %s: %s is not a struct", ErrInvalidSchema, tag, typ)
	}

	fields, err := schemaFields(tag, typ)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTag[tag]; ok {
		return &DuplicateRegistrationError{Tag: tag, What: "tag"}
	}
	if _, ok := r.byType[typ]; ok {
		return &DuplicateRegistrationError{Tag: typ.String(), What: "type"}
	}
	s := &schema{tag: tag, typ: typ, fields: fields}
	r.byTag[tag] = s
	r.byType[typ] = s
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(tag string, prototype any) {
	if err := r.Register(tag, prototype); err != nil {
		panic(err)
	}
}

// RegisterOpaque registers a tag whose payload is never interpreted beyond its
// discriminator. Messages with this tag decode to Raw.
func (r *Registry) RegisterOpaque(tag string) error {
	if strings.TrimSpace(tag) == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidSchema)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTag[tag]; ok {
		return &DuplicateRegistrationError{Tag: tag, What: "tag"}
	}
	r.byTag[tag] = &schema{tag: tag}
	return nil
}

// Has reports whether tag is registered.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byTag[tag]
	return ok
}

// IsOpaque reports whether tag was registered with RegisterOpaque.
func (r *Registry) IsOpaque(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byTag[tag]
	return ok && s.typ == nil
}

// TagOf returns the tag registered for m's type.
func (r *Registry) TagOf(m any) (string, bool) {
	switch v := m.(type) {
	case Raw:
		return v.Tag, v.Tag != ""
	case *Raw:
		if v == nil {
			return "", false
		}
		return v.Tag, v.Tag != ""
	}
	typ := reflect.TypeOf(m)
	if typ == nil {
		return "", false
	}
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byType[typ]
	if !ok {
		return "", false
	}
	return s.tag, true
}

// Tags returns every registered tag in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	r.mu.RUnlock()
	sort.Strings(tags)
	return tags
}

// Serialize encodes m with its discriminator. m must be a registered struct
// (or pointer to one) or a Raw.
func (r *Registry) Serialize(m any) ([]byte, error) {
	switch v := m.(type) {
	case Raw:
		return v.Payload, nil
	case *Raw:
		if v == nil {
			return nil, fmt.Errorf("%w: nil *Raw", ErrUnregisteredType)
		}
		return v.Payload, nil
	}

	rv := reflect.ValueOf(m)
	if !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		return nil, fmt.Errorf("%w: nil message", ErrUnregisteredType)
	}
	tag, ok := r.TagOf(m)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnregisteredType, m)
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", tag, err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("serialize %s: %w: encoded value is not an object", tag, ErrInvalidSchema)
	}
	tagJSON, err := json.Marshal(tag)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", tag, err)
	}

	out := make([]byte, 0, len(body)+len(tagJSON)+len(DiscriminatorField)+4)
	out = append(out, `{"`+DiscriminatorField+`":`...)
	out = append(out, tagJSON...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// PeekTag returns the discriminator of payload without decoding any field.
func PeekTag(payload []byte) (string, error) {
	var head struct {
		ID *string `json:"__id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if head.ID == nil {
		return "", fmt.Errorf("%w: missing %q", ErrMalformedPayload, DiscriminatorField)
	}
	return *head.ID, nil
}

// Deserialize decodes payload into the struct registered for its tag.
//
// Unknown fields are ignored. A missing or mistyped required field yields
// *SchemaMismatchError; an unregistered tag yields *UnknownMessageTypeError.
func (r *Registry) Deserialize(payload []byte) (Decoded, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if obj == nil {
		return Decoded{}, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}
	rawTag, ok := obj[DiscriminatorField]
	if !ok {
		return Decoded{}, fmt.Errorf("%w: missing %q", ErrMalformedPayload, DiscriminatorField)
	}
	var tag string
	if err := json.Unmarshal(rawTag, &tag); err != nil || isNull(rawTag) {
		return Decoded{}, fmt.Errorf("%w: %q is not a string", ErrMalformedPayload, DiscriminatorField)
	}

	r.mu.RLock()
	s, ok := r.byTag[tag]
	r.mu.RUnlock()
	if !ok {
		return Decoded{}, &UnknownMessageTypeError{Tag: tag}
	}
	if s.typ == nil {
		return Decoded{Tag: tag, Message: Raw{Tag: tag, Payload: payload}}, nil
	}

	v := reflect.New(s.typ).Elem()
	for _, f := range s.fields {
		raw, present := obj[f.name]
		if !present || (isNull(raw) && !nullable(f.typ)) {
			if f.optional {
				continue
			}
			return Decoded{}, &SchemaMismatchError{Tag: tag, Field: f.name}
		}
		ptr := reflect.New(f.typ)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return Decoded{}, &SchemaMismatchError{Tag: tag, Field: f.name, Err: err}
		}
		v.FieldByIndex(f.index).Set(ptr.Elem())
	}
	return Decoded{Tag: tag, Message: v.Interface()}, nil
}

func schemaFields(tag string, typ reflect.Type) ([]field, error) {
	var fields []field
	seen := make(map[string]struct{})
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		if sf.Anonymous {
			return nil, fmt.Errorf("%w: %s: embedded field %s is not supported", ErrInvalidSchema, tag, sf.Name)
		}
		if !sf.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		if name == DiscriminatorField {
			return nil, fmt.Errorf("%w: %s.%s", ErrReservedField, tag, sf.Name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate field name %q", ErrInvalidSchema, tag, name)
		}
		seen[name] = struct{}{}
		fields = append(fields, field{
			name:     name,
			index:    sf.Index,
			typ:      sf.Type,
			optional: hasOption(opts, "omitempty") || hasOption(opts, "omitzero"),
		})
	}
	return fields, nil
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// nullable reports whether JSON null is a legitimate value for t. Go encodes
// nil slices and maps as null, so those must decode back.
func nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice, reflect.Map, reflect.Pointer, reflect.Interface:
		return true
	default:
		return false
	}
}
