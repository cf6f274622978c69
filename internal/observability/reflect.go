package observability

import (
	"net/http"
	"reflect"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// reflectMethod calls a zero-argument, single-return method by name on
// instance if present, returning its result. Mirrors
// internal/container's verifyMethods reflection idiom, used here because
// each manager's HealthStatus() returns a differently-named concrete
// struct rather than a shared interface.
func reflectMethod(instance any, name string) any {
	if instance == nil {
		return nil
	}
	v := reflect.ValueOf(instance)
	m := v.MethodByName(name)
	if !m.IsValid() {
		return nil
	}
	if m.Type().NumIn() != 0 || m.Type().NumOut() != 1 {
		return nil
	}
	out := m.Call(nil)
	return out[0].Interface()
}

func promHandler() http.Handler {
	return promhttp.Handler()
}
