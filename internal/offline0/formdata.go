package offline0

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
)

// FormData is an ordered field name → value mapping. A repeated field keeps
// its first position and its last value. The zero value is ready to use.
type FormData struct {
	keys []string
	vals map[string]string
}

func (f *FormData) Set(name, value string) {
	if f.vals == nil {
		f.vals = make(map[string]string)
	}
	if _, ok := f.vals[name]; !ok {
		f.keys = append(f.keys, name)
	}
	f.vals[name] = value
}

func (f FormData) Get(name string) (string, bool) {
	v, ok := f.vals[name]
	return v, ok
}

func (f FormData) Len() int { return len(f.keys) }

func (f FormData) Keys() []string { return append([]string(nil), f.keys...) }

// Encode returns the fields as an application/x-www-form-urlencoded body in
// insertion order.
func (f FormData) Encode() string {
	var b strings.Builder
	for i, k := range f.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.vals[k]))
	}
	return b.String()
}

func (f FormData) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(f.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (f *FormData) UnmarshalJSON(b []byte) error {
	*f = FormData{}
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	return decodeJSONObject(b, f)
}

// decodeJSONObject reads a flat JSON object into dst keeping key order.
// Non-string scalars are stringified; nested values are kept as raw JSON.
func decodeJSONObject(b []byte, dst *FormData) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("form data: expected JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return errors.New("form data: expected object key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		dst.Set(name, jsonScalarString(raw))
	}
	_, err = dec.Token()
	return err
}

func jsonScalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	t := strings.TrimSpace(string(raw))
	if t == "null" {
		return ""
	}
	return t
}

var errUnsupportedForm = errors.New("unsupported form content type")

// parseFormBody extracts plain fields from a submitted body. File parts of
// multipart bodies are skipped.
func parseFormBody(contentType string, body []byte) (FormData, error) {
	var fd FormData
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		if len(bytes.TrimSpace(body)) == 0 {
			return fd, nil
		}
		return fd, fmt.Errorf("content type %q: %w", contentType, err)
	}

	switch mt {
	case "application/x-www-form-urlencoded":
		for _, pair := range strings.Split(string(body), "&") {
			if pair == "" {
				continue
			}
			k, v, _ := strings.Cut(pair, "=")
			name, err := url.QueryUnescape(k)
			if err != nil {
				return FormData{}, err
			}
			value, err := url.QueryUnescape(v)
			if err != nil {
				return FormData{}, err
			}
			fd.Set(name, value)
		}
		return fd, nil

	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return FormData{}, errors.New("multipart: missing boundary")
		}
		mr := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return fd, nil
			}
			if err != nil {
				return FormData{}, err
			}
			name := part.FormName()
			if name == "" || part.FileName() != "" {
				_ = part.Close()
				continue
			}
			v, err := io.ReadAll(part)
			_ = part.Close()
			if err != nil {
				return FormData{}, err
			}
			fd.Set(name, string(v))
		}

	case "application/json":
		if err := decodeJSONObject(body, &fd); err != nil {
			return FormData{}, err
		}
		return fd, nil
	}
	return FormData{}, fmt.Errorf("%w: %s", errUnsupportedForm, mt)
}
