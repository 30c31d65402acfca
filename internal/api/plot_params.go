package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spatialplot/server/internal/service"
	"github.com/spatialplot/server/internal/spatial"
)

const maxPlotBodyBytes = 10 << 20 // 10 MiB

type paramKind int

const (
	paramString paramKind = iota
	paramNumber
	paramBool
	paramStringList
	paramValueList
	paramNestedList
	paramObject
)

var (
	plotParamsOnce sync.Once
	plotParams     map[string]paramKind
)

// plotParamKinds maps every JSON field of a plot request to the way its query
// parameter is parsed.
func plotParamKinds() map[string]paramKind {
	plotParamsOnce.Do(func() {
		plotParams = make(map[string]paramKind)
		collectParamKinds(reflect.TypeOf(service.PlotRequest{}), plotParams)
	})
	return plotParams
}

func collectParamKinds(t reflect.Type, out map[string]paramKind) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			collectParamKinds(f.Type, out)
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" || !f.IsExported() {
			continue
		}
		out[name] = kindOf(f.Type)
	}
}

func kindOf(t reflect.Type) paramKind {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return paramBool
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Float32, reflect.Float64:
		return paramNumber
	case reflect.Slice, reflect.Array:
		switch t.Elem().Kind() {
		case reflect.String:
			return paramStringList
		case reflect.Slice, reflect.Array:
			return paramNestedList
		}
		return paramValueList
	case reflect.Struct:
		return paramObject
	}
	return paramString
}

// splitListParam accepts repeated parameters (?color=a&color=b), a JSON array
// or a comma-separated list.
func splitListParam(raw []string) []string {
	if len(raw) > 1 {
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	parts := strings.Split(raw[0], ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Free-text parameters are never split on commas; several values need
// repeated parameters or a JSON array.
var unsplitParams = map[string]bool{"title": true}

func scalarJSON(v string) json.RawMessage {
	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		b, _ := json.Marshal(f)
		return b
	}
	b, _ := json.Marshal(v)
	return b
}

func isJSONLiteral(v string) bool {
	return strings.HasPrefix(v, "[") || strings.HasPrefix(v, "{")
}

// queryToJSON converts query parameters into the JSON body of a plot request.
func queryToJSON(query url.Values) ([]byte, error) {
	kinds := plotParamKinds()
	body := make(map[string]json.RawMessage, len(query))

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := query[key]
		kind, ok := kinds[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown parameter %q", spatial.ErrInvalidOption, key)
		}
		first := strings.TrimSpace(raw[0])

		switch kind {
		case paramString:
			body[key], _ = json.Marshal(first)
		case paramNumber:
			f, err := strconv.ParseFloat(first, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%w: parameter %s must be a number, got %q", spatial.ErrInvalidOption, key, first)
			}
			body[key], _ = json.Marshal(f)
		case paramBool:
			b, err := strconv.ParseBool(first)
			if err != nil {
				return nil, fmt.Errorf("%w: parameter %s must be a boolean, got %q", spatial.ErrInvalidOption, key, first)
			}
			body[key], _ = json.Marshal(b)
		case paramObject:
			if isJSONLiteral(first) {
				body[key] = json.RawMessage(first)
			} else {
				body[key], _ = json.Marshal(first)
			}
		case paramStringList:
			if len(raw) == 1 && strings.HasPrefix(first, "[") {
				body[key] = json.RawMessage(first)
				continue
			}
			if unsplitParams[key] {
				body[key], _ = json.Marshal(raw)
				continue
			}
			body[key], _ = json.Marshal(splitListParam(raw))
		case paramValueList:
			if len(raw) == 1 && strings.HasPrefix(first, "[") {
				body[key] = json.RawMessage(first)
				continue
			}
			items := splitListParam(raw)
			vals := make([]json.RawMessage, len(items))
			for i, item := range items {
				vals[i] = scalarJSON(item)
			}
			body[key], _ = json.Marshal(vals)
		case paramNestedList:
			if len(raw) == 1 && strings.HasPrefix(first, "[[") {
				body[key] = json.RawMessage(first)
				continue
			}
			// Each parameter is one comma-separated inner list.
			outer := make([][]json.RawMessage, 0, len(raw))
			for _, r := range raw {
				r = strings.Trim(strings.TrimSpace(r), "[]")
				var inner []json.RawMessage
				for _, item := range splitListParam([]string{r}) {
					inner = append(inner, scalarJSON(item))
				}
				outer = append(outer, inner)
			}
			body[key], _ = json.Marshal(outer)
		}
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed JSON parameter: %v", spatial.ErrInvalidOption, err)
	}
	return out, nil
}

// readPlotRequest decodes a plot request from a JSON body (POST) or from
// query parameters (GET). It returns the canonical JSON form as well.
func readPlotRequest(r *http.Request) (service.PlotRequest, []byte, error) {
	var raw []byte
	if r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPlotBodyBytes+1))
		if err != nil {
			return service.PlotRequest{}, nil, err
		}
		if len(body) > maxPlotBodyBytes {
			return service.PlotRequest{}, nil, fmt.Errorf("%w: plot request body too large", spatial.ErrInvalidOption)
		}
		raw = bytes.TrimSpace(body)
	}
	if len(raw) == 0 {
		q, err := queryToJSON(r.URL.Query())
		if err != nil {
			return service.PlotRequest{}, nil, err
		}
		raw = q
	} else if len(r.URL.Query()) > 0 {
		return service.PlotRequest{}, nil, fmt.Errorf("%w: plot options must be sent either as a JSON body or as query parameters, not both", spatial.ErrInvalidOption)
	}

	req, err := service.DecodeRequest(raw)
	if err != nil {
		return service.PlotRequest{}, nil, err
	}
	return req, raw, nil
}
