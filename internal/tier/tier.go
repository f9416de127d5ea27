// Package tier содержит неизменяемый справочник уровней членства.
package tier

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

// MaxDepth задаёт жёсткий предел глубины реферальной цепочки независимо от настроек уровня.
const MaxDepth = 5

// ErrUnknownTier возвращается при обращении к несуществующему уровню.
var ErrUnknownTier = errors.New("unknown membership tier")

// defaultRates задаёт ставки комиссии по уровням в базисных пунктах: 10%, 5%, 3%, 2%, 1%.
var defaultRates = []int{1000, 500, 300, 200, 100}

// Default возвращает стандартную таблицу уровней. Цены в минорных единицах KES.
func Default() []model.Tier {
	return []model.Tier{
		{Name: "basic", AnnualPrice: 3_500_00, DailyMissions: 1, MaxDepth: 3, Rates: defaultRates},
		{Name: "plus", AnnualPrice: 10_500_00, DailyMissions: 3, MaxDepth: 3, Rates: defaultRates},
		{Name: "pro", AnnualPrice: 14_000_00, DailyMissions: 4, MaxDepth: 4, Rates: defaultRates},
		{Name: "prime", AnnualPrice: 35_000_00, DailyMissions: 10, MaxDepth: 4, Rates: defaultRates},
		{Name: "advanced", AnnualPrice: 70_000_00, DailyMissions: 20, MaxDepth: 4, Rates: defaultRates},
		{Name: "max", AnnualPrice: 150_000_00, DailyMissions: 40, MaxDepth: 5, Rates: defaultRates},
	}
}

// Registry представляет справочник уровней, доступный только для чтения.
type Registry struct {
	tiers map[string]model.Tier
}

// NewRegistry проверяет таблицу уровней и строит справочник.
func NewRegistry(tiers []model.Tier) (*Registry, error) {
	if len(tiers) == 0 {
		return nil, errors.New("tier table is empty")
	}

	r := &Registry{tiers: make(map[string]model.Tier, len(tiers))}
	for _, t := range tiers {
		if err := validate(t); err != nil {
			return nil, fmt.Errorf("tier %q: %w", t.Name, err)
		}
		if _, dup := r.tiers[t.Name]; dup {
			return nil, fmt.Errorf("tier %q: duplicate name", t.Name)
		}
		t.Rates = append([]int(nil), t.Rates...)
		r.tiers[t.Name] = t
	}

	return r, nil
}

// MustDefault возвращает справочник стандартных уровней.
func MustDefault() *Registry {
	r, err := NewRegistry(Default())
	if err != nil {
		panic(err)
	}
	return r
}

type file struct {
	Tiers []model.Tier `yaml:"tiers"`
}

// Load читает таблицу уровней из YAML-файла.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tiers file: %w", err)
	}

	return NewRegistry(f.Tiers)
}

func validate(t model.Tier) error {
	if t.Name == "" {
		return errors.New("name is required")
	}
	if t.DailyMissions <= 0 {
		return errors.New("daily missions must be positive")
	}
	if t.MaxDepth < 1 || t.MaxDepth > MaxDepth {
		return fmt.Errorf("max depth must be within 1..%d", MaxDepth)
	}
	if len(t.Rates) > MaxDepth {
		return fmt.Errorf("at most %d commission rates", MaxDepth)
	}
	for i, rate := range t.Rates {
		if rate < 0 || rate > 10000 {
			return fmt.Errorf("rate of level %d out of range", i+1)
		}
	}
	if t.AnnualPrice < 0 {
		return errors.New("price must not be negative")
	}
	return nil
}

// Lookup возвращает уровень по имени.
func (r *Registry) Lookup(name string) (model.Tier, error) {
	t, ok := r.tiers[name]
	if !ok {
		return model.Tier{}, fmt.Errorf("%w: %s", ErrUnknownTier, name)
	}
	t.Rates = append([]int(nil), t.Rates...)
	return t, nil
}

// All возвращает все уровни, упорядоченные по цене.
func (r *Registry) All() []model.Tier {
	res := make([]model.Tier, 0, len(r.tiers))
	for _, t := range r.tiers {
		t.Rates = append([]int(nil), t.Rates...)
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].AnnualPrice == res[j].AnnualPrice {
			return res[i].Name < res[j].Name
		}
		return res[i].AnnualPrice < res[j].AnnualPrice
	})
	return res
}
