package policy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedVersion is returned for a schema_version with no migration path.
var ErrUnsupportedVersion = errors.New("unsupported policy schema version")

//go:embed schema.json
var schemaJSON string

var documentSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("policy.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("add policy schema: %v", err))
	}
	schema, err := compiler.Compile("policy.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile policy schema: %v", err))
	}
	return schema
}

// Migrate upgrades a raw policy document to CurrentSchemaVersion. The input
// is not modified.
func Migrate(raw map[string]any) (map[string]any, error) {
	cfg, err := deepCopy(raw)
	if err != nil {
		return nil, err
	}

	ver, _ := cfg["schema_version"].(string)
	ver = strings.TrimSpace(ver)
	if ver == "" {
		ver = "1.0.0"
	}

	switch ver {
	case "1.0.0":
		migrate100to110(cfg)
	case CurrentSchemaVersion:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, ver)
	}
	return cfg, nil
}

// migrate100to110 adds the runtime state_contract and release_gate blocks.
func migrate100to110(cfg map[string]any) {
	runtime := childMap(cfg, "runtime")

	sc := childMap(runtime, "state_contract")
	setDefault(sc, "enabled", true)
	setDefault(sc, "version", "1.0.0")

	rg := childMap(runtime, "release_gate")
	setDefault(rg, "enabled", true)

	cfg["schema_version"] = "1.1.0"
}

// Parse decodes a YAML policy, migrates it, validates it against the
// embedded schema and returns the immutable policy.
func Parse(data []byte) (Policy, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("decode policy yaml: %w", err)
	}
	if raw == nil {
		return Policy{}, errors.New("policy document is empty")
	}

	migrated, err := Migrate(raw)
	if err != nil {
		return Policy{}, err
	}

	if err := documentSchema.Validate(migrated); err != nil {
		return Policy{}, fmt.Errorf("validate policy: %w", err)
	}

	b, err := json.Marshal(migrated)
	if err != nil {
		return Policy{}, fmt.Errorf("encode migrated policy: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Policy{}, fmt.Errorf("decode migrated policy: %w", err)
	}
	applyDefaults(&doc)

	p := newPolicy(doc)
	for name, text := range map[string]string{
		"handoff":    p.HandoffText(),
		"busy":       p.BusyText(),
		"incomplete": p.IncompleteText(),
	} {
		if p.ContainsConfirmation(text) {
			return Policy{}, fmt.Errorf("%s template contains a confirmation phrase", name)
		}
	}
	return p, nil
}

// Load reads <dir>/<agentID>.yaml.
func Load(dir, agentID string) (Policy, error) {
	path := filepath.Join(dir, agentID+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	if p.AgentID() != agentID {
		return Policy{}, fmt.Errorf("policy %s declares agent %q", path, p.AgentID())
	}
	return p, nil
}

// Default returns the built-in policy for an agent with no policy file.
func Default(agentID string) Policy {
	doc := Document{SchemaVersion: CurrentSchemaVersion, AgentID: agentID, Language: "en"}
	doc.Runtime.StateContract.Enabled = true
	doc.Runtime.StateContract.Version = "1.0.0"
	doc.Runtime.ReleaseGate.Enabled = true
	applyDefaults(&doc)
	return newPolicy(doc)
}

// Registry caches one policy per agent. A policy is loaded on first use and
// never mutated afterwards.
type Registry struct {
	dir string

	mu       sync.RWMutex
	policies map[string]Policy
}

func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, policies: make(map[string]Policy)}
}

// Get returns the policy for agentID. Agents without a policy file get
// Default.
func (r *Registry) Get(agentID string) (Policy, error) {
	r.mu.RLock()
	p, ok := r.policies[agentID]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := r.load(agentID)
	if err != nil {
		return Policy{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.policies[agentID]; ok {
		return existing, nil
	}
	r.policies[agentID] = p
	return p, nil
}

// Set installs a policy, replacing any cached one.
func (r *Registry) Set(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.AgentID()] = p
}

func (r *Registry) load(agentID string) (Policy, error) {
	if r.dir == "" {
		return Default(agentID), nil
	}
	p, err := Load(r.dir, agentID)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("no policy file, using defaults", "agent_id", agentID, "dir", r.dir)
		return Default(agentID), nil
	}
	if err != nil {
		return Policy{}, err
	}
	slog.Info("policy loaded", "agent_id", agentID, "version", p.Version())
	return p, nil
}

func applyDefaults(doc *Document) {
	if doc.Language == "" {
		doc.Language = "en"
	}
	d := defaultsFor(doc.Language)

	if doc.Style.MaxSentences == 0 {
		doc.Style.MaxSentences = 3
	}
	if doc.Style.MaxQuestions == 0 {
		doc.Style.MaxQuestions = 1
	}
	if doc.Intents == nil {
		doc.Intents = d.intents
	}
	if len(doc.Phrases.Confirmation) == 0 {
		doc.Phrases.Confirmation = d.confirmation
	}
	if len(doc.Phrases.Busy) == 0 {
		doc.Phrases.Busy = d.busy
	}
	if doc.Templates.Created == "" {
		doc.Templates.Created = d.templates.Created
	}
	if doc.Templates.Busy == "" {
		doc.Templates.Busy = d.templates.Busy
	}
	if doc.Templates.Incomplete == "" {
		doc.Templates.Incomplete = d.templates.Incomplete
	}
	if doc.Templates.Handoff == "" {
		doc.Templates.Handoff = d.templates.Handoff
	}
}

type languageDefaults struct {
	intents      []IntentDoc
	confirmation []string
	busy         []string
	templates    TemplatesDoc
}

func intPtr(v int) *int { return &v }

func defaultsFor(lang string) languageDefaults {
	intents := []IntentDoc{
		{ID: "BOOKING", Priority: intPtr(10), Transactional: true,
			Markers: []string{"book", "reserve", "reservation", "брон", "заброн"}},
		{ID: "PRICING", Priority: intPtr(20),
			Markers: []string{"price", "cost", "how much", "стоим", "цен", "сколько стоит"}},
		{ID: "ADDRESS", Priority: intPtr(30),
			Markers: []string{"address", "where are you", "адрес", "где вы"}},
		{ID: "GREETING", Priority: intPtr(90),
			Markers: []string{"hello", "good morning", "привет", "здравствуйте"}},
	}

	if lang == "ru" {
		return languageDefaults{
			intents:      intents,
			confirmation: []string{"бронь подтвержд", "бронирование подтвержд", "ваша бронь", "успешно забронир"},
			busy:         []string{"занят", "недоступ"},
			templates: TemplatesDoc{
				Created:    "Ваша бронь подтверждена. Номер брони: " + BookingIDPlaceholder + ".",
				Busy:       "К сожалению, этот слот уже занят. Подобрать другое время или зал?",
				Incomplete: "Подскажите, пожалуйста, дату, время, длительность и зал.",
				Handoff:    "Спасибо! Ваш запрос передан менеджеру, он свяжется с вами в ближайшее время.",
			},
		}
	}
	return languageDefaults{
		intents: intents,
		confirmation: []string{
			"booking is confirmed", "booking confirmed", "reservation is confirmed",
			"reservation confirmed", "you are booked", "you're booked", "successfully booked",
		},
		busy: []string{"already taken", "is busy", "is occupied", "not available", "already booked"},
		templates: TemplatesDoc{
			Created:    "Your booking is confirmed. Booking ID: " + BookingIDPlaceholder + ".",
			Busy:       "Unfortunately that slot is already taken. Would you like another time or room?",
			Incomplete: "Please share the date, time, duration and room you would like.",
			Handoff:    "Thank you! A manager is reviewing your request and will get back to you shortly.",
		},
	}
}

func deepCopy(in map[string]any) (map[string]any, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("copy policy document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("copy policy document: %w", err)
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}

func childMap(parent map[string]any, key string) map[string]any {
	if m, ok := parent[key].(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	parent[key] = m
	return m
}

func setDefault(m map[string]any, key string, v any) {
	if _, ok := m[key]; !ok {
		m[key] = v
	}
}
