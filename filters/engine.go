package filters

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/apex/log"
	"github.com/evtio/databridge/common"
)

// metaAttrsField nested map predicates may also reference
const metaAttrsField = "metaAttrsFilter"

// FieldPredicate one comparison against a message field
type FieldPredicate struct {
	// Operation one of "=", "!=", ">", "<"
	Operation string `json:"operation"`
	// Value the literal to compare against. Its JSON type decides the
	// comparison domain: numeric literals compare numerically, string
	// literals lexicographically.
	Value interface{} `json:"value"`
}

// FilterSpec a conjunction of field predicates owned by one connection
type FilterSpec struct {
	Fields map[string]FieldPredicate `json:"fields"`
}

// Validate check the filter spec is well formed
func (s FilterSpec) Validate() error {
	for field, predicate := range s.Fields {
		switch predicate.Operation {
		case "=", "!=", ">", "<":
		default:
			return fmt.Errorf("unsupported operation %s for field %s", predicate.Operation, field)
		}
	}
	return nil
}

// FilterEngine stores one predicate set per connection and evaluates it
// against inbound messages
type FilterEngine interface {
	// Update replace the stored predicate set of a connection wholesale
	Update(spec FilterSpec, connectionID string) error
	// RemoveFilter delete the stored predicate set of a connection
	RemoveFilter(connectionID string)
	// CheckFilter whether a connection's filter accepts a raw message. A
	// connection without a filter accepts everything.
	CheckFilter(rawMessage []byte, connectionID string) bool
}

// filterEngineImpl implements FilterEngine
type filterEngineImpl struct {
	common.Component
	lock    sync.RWMutex
	filters map[string]FilterSpec
}

// DefineFilterEngine create new filter engine
func DefineFilterEngine() (FilterEngine, error) {
	logTags := log.Fields{
		"module": "filters", "component": "filter-engine",
	}
	return &filterEngineImpl{
		Component: common.Component{LogTags: logTags},
		filters:   make(map[string]FilterSpec),
	}, nil
}

// Update replace the stored predicate set of a connection wholesale
func (e *filterEngineImpl) Update(spec FilterSpec, connectionID string) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	e.filters[connectionID] = spec
	log.WithFields(e.LogTags).Debugf(
		"Stored filter with %d predicate(s) for %s", len(spec.Fields), connectionID,
	)
	return nil
}

// RemoveFilter delete the stored predicate set of a connection
func (e *filterEngineImpl) RemoveFilter(connectionID string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.filters, connectionID)
}

// CheckFilter whether a connection's filter accepts a raw message
func (e *filterEngineImpl) CheckFilter(rawMessage []byte, connectionID string) bool {
	e.lock.RLock()
	spec, ok := e.filters[connectionID]
	e.lock.RUnlock()
	if !ok || len(spec.Fields) == 0 {
		return true
	}

	var message map[string]interface{}
	if err := json.Unmarshal(rawMessage, &message); err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to parse message for filtering")
		return false
	}

	for field, predicate := range spec.Fields {
		value, present := lookupField(message, field)
		if !present {
			// closed world: a referenced field the message lacks fails
			return false
		}
		if !applyOperation(predicate.Operation, predicate.Value, value) {
			return false
		}
	}
	return true
}

// lookupField top-level field, else inside the meta attributes map
func lookupField(message map[string]interface{}, field string) (interface{}, bool) {
	if value, ok := message[field]; ok {
		return value, true
	}
	if attrs, ok := message[metaAttrsField].(map[string]interface{}); ok {
		if value, ok := attrs[field]; ok {
			return value, true
		}
	}
	return nil, false
}

// applyOperation evaluate one predicate. The filter literal's type picks the
// comparison domain; a message value which cannot be coerced into that domain
// fails the predicate.
func applyOperation(operation string, filterValue, messageValue interface{}) bool {
	switch operation {
	case "=":
		return compareEqual(filterValue, messageValue)
	case "!=":
		return !compareEqual(filterValue, messageValue)
	case ">":
		return compareOrdered(filterValue, messageValue, func(m, f float64) bool { return m > f },
			func(m, f string) bool { return m > f })
	case "<":
		return compareOrdered(filterValue, messageValue, func(m, f float64) bool { return m < f },
			func(m, f string) bool { return m < f })
	}
	return false
}

func compareEqual(filterValue, messageValue interface{}) bool {
	switch literal := filterValue.(type) {
	case float64:
		number, ok := asNumber(messageValue)
		return ok && number == literal
	case string:
		return asString(messageValue) == literal
	case bool:
		flag, ok := messageValue.(bool)
		return ok && flag == literal
	default:
		return false
	}
}

func compareOrdered(
	filterValue, messageValue interface{},
	numeric func(m, f float64) bool,
	lexical func(m, f string) bool,
) bool {
	switch literal := filterValue.(type) {
	case float64:
		number, ok := asNumber(messageValue)
		return ok && numeric(number, literal)
	case string:
		return lexical(asString(messageValue), literal)
	default:
		return false
	}
}

// asNumber coerce a decoded JSON value into float64
func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// asString render a decoded JSON scalar as a string
func asString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
