package cloud

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Direct-method response statuses, HTTP-flavored.
const (
	methodStatusOK       = 200
	methodStatusNotFound = 404
	methodStatusError    = 500
)

// DirectMethodHandler executes a named remote procedure. The returned
// value is serialized into the response payload.
type DirectMethodHandler func(body json.RawMessage) (interface{}, error)

// MethodRegistry maps direct-method names to handlers. It is fully
// populated before the hub session subscribes to the request topic, so
// a request can never race an in-progress registration.
type MethodRegistry struct {
	mu       sync.RWMutex
	handlers map[string]DirectMethodHandler
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{handlers: make(map[string]DirectMethodHandler)}
}

// Register binds a handler to a method name, replacing any previous
// binding.
func (r *MethodRegistry) Register(name string, handler DirectMethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Names returns the registered method names.
func (r *MethodRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

func (r *MethodRegistry) lookup(name string) (DirectMethodHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// directMethodRequest is the wire shape of an incoming method call.
type directMethodRequest struct {
	Name      string          `json:"name"`
	RequestID string          `json:"requestId"`
	Body      json.RawMessage `json:"body"`
}

// directMethodResponse is published to the per-request response topic
// so concurrent in-flight calls do not collide.
type directMethodResponse struct {
	Status    int         `json:"status"`
	RequestID string      `json:"requestId"`
	Payload   interface{} `json:"payload,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// dispatch resolves and runs a direct method. A nil return means the
// request could not be correlated (malformed JSON or missing
// requestId) and no response can be published.
func (r *MethodRegistry) dispatch(payload []byte) *directMethodResponse {
	var req directMethodRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.RequestID == "" {
		return nil
	}

	handler, ok := r.lookup(req.Name)
	if !ok {
		return &directMethodResponse{
			Status:    methodStatusNotFound,
			RequestID: req.RequestID,
			Message:   fmt.Sprintf("method %q not found", req.Name),
		}
	}

	result, err := safeInvoke(handler, req.Body)
	if err != nil {
		return &directMethodResponse{
			Status:    methodStatusError,
			RequestID: req.RequestID,
			Message:   err.Error(),
		}
	}
	return &directMethodResponse{
		Status:    methodStatusOK,
		RequestID: req.RequestID,
		Payload:   result,
	}
}

// safeInvoke runs a handler with panic recovery so a buggy method
// cannot take down the transport loop.
func safeInvoke(handler DirectMethodHandler, body json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method handler panic: %v", r)
		}
	}()
	return handler(body)
}
