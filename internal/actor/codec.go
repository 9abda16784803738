package actor

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/nmxmxh/loom/pkg/json"
)

// State persistence writes semantic containers with an explicit
// discriminator instead of guessing from property names at load time:
//
//	map[K]V          -> {"__type":"map","entries":{...}}
//	map[K]struct{}   -> {"__type":"set","values":[...]}
//
// Load reconstructs through mapstructure decode hooks directed by the
// discriminator and the target state type.
const (
	typeKey        = "__type"
	containerMap   = "map"
	containerSet   = "set"
	entriesKey     = "entries"
	setValuesKey   = "values"
	timeWireLayout = time.RFC3339Nano
)

// EncodeState serializes state for the state store.
func EncodeState(state any) ([]byte, error) {
	tree, err := encodeValue(reflect.ValueOf(state))
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// DecodeState reconstructs state persisted by EncodeState. out must be
// a pointer to the state type.
func DecodeState(data []byte, out any) error {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to parse persisted state: %w", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			containerHook,
			mapstructure.StringToTimeHookFunc(timeWireLayout),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to build state decoder: %w", err)
	}
	if err := decoder.Decode(tree); err != nil {
		return fmt.Errorf("failed to reconstruct state: %w", err)
	}
	return nil
}

// SemanticTree parses persisted state into plain containers (maps as
// objects, sets as arrays) so it can be schema-validated before decode.
func SemanticTree(data []byte) (any, error) {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse persisted state: %w", err)
	}
	return unwrapContainers(tree), nil
}

var timeType = reflect.TypeOf(time.Time{})

func encodeValue(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return encodeValue(v.Elem())

	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		if isSetType(v.Type()) {
			return encodeSet(v)
		}
		return encodeMap(v)

	case reflect.Struct:
		if v.Type() == timeType {
			return v.Interface().(time.Time).Format(timeWireLayout), nil
		}
		return encodeStruct(v)

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface(), nil
		}
		items := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			item, err := encodeValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return items, nil

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return nil, fmt.Errorf("state contains unserializable kind %s", v.Kind())

	default:
		return v.Interface(), nil
	}
}

func encodeMap(v reflect.Value) (any, error) {
	entries := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		value, err := encodeValue(iter.Value())
		if err != nil {
			return nil, err
		}
		entries[fmt.Sprintf("%v", iter.Key().Interface())] = value
	}
	return map[string]any{typeKey: containerMap, entriesKey: entries}, nil
}

func encodeSet(v reflect.Value) (any, error) {
	values := make([]any, 0, v.Len())
	strs := make([]string, 0, v.Len())
	allStrings := true
	iter := v.MapRange()
	for iter.Next() {
		key := iter.Key().Interface()
		values = append(values, key)
		if s, ok := key.(string); ok {
			strs = append(strs, s)
		} else {
			allStrings = false
		}
	}
	// Stable bytes for string sets keep saves diffable.
	if allStrings {
		sort.Strings(strs)
		values = values[:0]
		for _, s := range strs {
			values = append(values, s)
		}
	}
	return map[string]any{typeKey: containerSet, setValuesKey: values}, nil
}

func encodeStruct(v reflect.Value) (any, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
		}
		value, err := encodeValue(v.Field(i))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		out[name] = value
	}
	return out, nil
}

func isSetType(t reflect.Type) bool {
	elem := t.Elem()
	return elem.Kind() == reflect.Struct && elem.NumField() == 0
}

// containerHook unwraps the persistence discriminators so mapstructure
// can map entries onto the target container type.
func containerHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Map {
		return data, nil
	}
	wrapper, ok := data.(map[string]any)
	if !ok {
		return data, nil
	}
	kind, ok := wrapper[typeKey].(string)
	if !ok {
		return data, nil
	}

	// A wrapper is exactly the discriminator plus its payload key.
	// Anything else is user data that happens to carry a __type entry.
	switch kind {
	case containerMap:
		entries, ok := wrapper[entriesKey].(map[string]any)
		if !ok || len(wrapper) != 2 {
			return data, nil
		}
		return entries, nil

	case containerSet:
		values, ok := wrapper[setValuesKey].([]any)
		if !ok || len(wrapper) != 2 {
			return data, nil
		}
		if to.Kind() == reflect.Map && isSetType(to) {
			out := reflect.MakeMapWithSize(to, len(values))
			for _, value := range values {
				kv := reflect.ValueOf(value)
				if !kv.IsValid() || !kv.Type().ConvertibleTo(to.Key()) {
					return nil, fmt.Errorf("set value %v is not a valid %s key", value, to.Key())
				}
				out.SetMapIndex(kv.Convert(to.Key()), reflect.New(to.Elem()).Elem())
			}
			return out.Interface(), nil
		}
		return values, nil

	default:
		return data, nil
	}
}

// unwrapContainers rewrites discriminator wrappers into plain
// containers: maps become objects, sets become arrays.
func unwrapContainers(tree any) any {
	switch node := tree.(type) {
	case map[string]any:
		if kind, ok := node[typeKey].(string); ok && len(node) == 2 {
			switch kind {
			case containerMap:
				if entries, ok := node[entriesKey].(map[string]any); ok {
					out := make(map[string]any, len(entries))
					for k, v := range entries {
						out[k] = unwrapContainers(v)
					}
					return out
				}
			case containerSet:
				if values, ok := node[setValuesKey].([]any); ok {
					out := make([]any, len(values))
					for i, v := range values {
						out[i] = unwrapContainers(v)
					}
					return out
				}
			}
		}
		out := make(map[string]any, len(node))
		for k, v := range node {
			out[k] = unwrapContainers(v)
		}
		return out

	case []any:
		out := make([]any, len(node))
		for i, v := range node {
			out[i] = unwrapContainers(v)
		}
		return out

	default:
		return tree
	}
}
