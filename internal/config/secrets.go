package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// SecretProvider resolves secret references for a given scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry manages named SecretProviders.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry creates a registry with the env and file providers.
func NewSecretRegistry() *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	r.Register(EnvProvider{})
	r.Register(FileProvider{})
	return r
}

// Register adds a provider, replacing any existing one for its scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve looks up the provider for scheme and delegates resolution.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// EnvProvider resolves ${env:NAME} from the environment.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves ${file:/path} to the file's contents, minus
// trailing whitespace.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows any path.
	AllowedPrefixes []string
}

func (FileProvider) Scheme() string { return "file" }

func (p FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// secretRefPattern matches a whole-value reference: ${scheme:reference}.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecretRefs replaces every ${scheme:ref} string in cfg in place.
func resolveSecretRefs(ctx context.Context, cfg *Config, registry *SecretRegistry) error {
	var resolveErr error
	walkStrings(reflect.ValueOf(cfg).Elem(), "", "", func(field reflect.Value, path string, _ reflect.StructTag) {
		if resolveErr != nil {
			return
		}
		m := secretRefPattern.FindStringSubmatch(field.String())
		if m == nil {
			return
		}
		resolved, err := registry.Resolve(ctx, m[1], m[2])
		if err != nil {
			resolveErr = fmt.Errorf("secret resolution failed for %s (${%s:%s}): %w", path, m[1], m[2], err)
			return
		}
		field.SetString(resolved)
	})
	return resolveErr
}

type stringVisitor func(field reflect.Value, path string, tag reflect.StructTag)

// walkStrings calls fn for every string reachable from v through struct
// fields, slices and maps. Map values are copied, visited and stored back,
// and inherit the tag of the map field.
func walkStrings(v reflect.Value, path string, tag reflect.StructTag, fn stringVisitor) {
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			fn(v, path, tag)
		}
	case reflect.Ptr:
		if !v.IsNil() {
			walkStrings(v.Elem(), path, tag, fn)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			fieldPath := sf.Name
			if path != "" {
				fieldPath = path + "." + sf.Name
			}
			walkStrings(v.Field(i), fieldPath, sf.Tag, fn)
		}
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return
		}
		for i := 0; i < v.Len(); i++ {
			walkStrings(v.Index(i), fmt.Sprintf("%s[%d]", path, i), tag, fn)
		}
	case reflect.Map:
		if v.IsNil() {
			return
		}
		for _, key := range v.MapKeys() {
			cp := reflect.New(v.Type().Elem()).Elem()
			cp.Set(v.MapIndex(key))
			walkStrings(cp, fmt.Sprintf("%s[%v]", path, key), tag, fn)
			v.SetMapIndex(key, cp)
		}
	}
}
