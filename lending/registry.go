package lending

import (
	"context"
	"errors"
	"sync"
)

// ErrTenantAlreadyProvisioned is returned when Provision is called for a
// tenant that already has a registry entry.
var ErrTenantAlreadyProvisioned = errors.New("tenant is already provisioned")

// Tenant bundles the per-tenant collaborators of the protocol: the borrow
// cache, the ring counter and the settings snapshot. Cache and Counter own
// their own locks; Settings is immutable after provisioning.
type Tenant struct {
	Name     string
	Cache    *Cache
	Counter  *Counter
	Settings TenantSettings
}

// Registry is the composition root mapping tenant ids to their per-tenant
// state. Entries are created on tenant provisioning and destroyed on tenant
// removal; resolving an unknown tenant is an authorization failure.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewRegistry creates an empty tenant registry.
func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[string]*Tenant),
	}
}

// Provision creates the per-tenant state: the borrow cache is rebuilt from
// the persisted user records, the counter is seeded from the highest ledger
// id, and the rental/barcode settings are snapshotted from the store
// (falling back to defaults when the tenant has none). The entry is
// published only after all three succeed.
func (r *Registry) Provision(ctx context.Context, store Store, name string, settings TenantSettings) (*Tenant, error) {
	r.mu.RLock()
	_, exists := r.tenants[name]
	r.mu.RUnlock()

	if exists {
		return nil, ErrTenantAlreadyProvisioned
	}

	rental, err := loadRentalSetting(ctx, store, name)
	if err != nil {
		return nil, err
	}
	settings.Rental = rental

	barcode, err := loadBarcodeSetting(ctx, store, name)
	if err != nil {
		return nil, err
	}
	settings.Barcode = barcode

	cache := NewCache()
	if err := cache.Construct(ctx, store, name); err != nil {
		return nil, err
	}

	counter, err := SeedCounterFromLedger(ctx, store, name, settings.MaxTransactions)
	if err != nil {
		return nil, err
	}

	tenant := &Tenant{
		Name:     name,
		Cache:    cache,
		Counter:  counter,
		Settings: settings,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, raced := r.tenants[name]; raced {
		return nil, ErrTenantAlreadyProvisioned
	}
	r.tenants[name] = tenant

	return tenant, nil
}

// Resolve returns the per-tenant state, or ErrNotAuthorized when the tenant
// has no registry entry.
func (r *Registry) Resolve(name string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenant, ok := r.tenants[name]
	if !ok {
		return nil, ErrNotAuthorized
	}

	return tenant, nil
}

// Remove destroys the registry entry for the tenant. The caller drops the
// underlying tenant store afterwards (Store.DropTenant); requests arriving
// in between fail with ErrNotAuthorized rather than touching dead state.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.tenants[name]
	delete(r.tenants, name)

	return existed
}

// Len returns the number of provisioned tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tenants)
}

func loadRentalSetting(ctx context.Context, store SettingStore, tenant string) (RentalSetting, error) {
	settings, err := store.SearchRentalSettings(ctx, tenant)
	if err != nil {
		return RentalSetting{}, errors.Join(ErrDataNotFound, err)
	}

	switch len(settings) {
	case 0:
		return DefaultRentalSetting(), nil
	case 1:
		return settings[0], nil
	default:
		return RentalSetting{}, ErrDataDuplicated
	}
}

func loadBarcodeSetting(ctx context.Context, store SettingStore, tenant string) (BarcodeSetting, error) {
	settings, err := store.SearchBarcodeSettings(ctx, tenant)
	if err != nil {
		return BarcodeSetting{}, errors.Join(ErrDataNotFound, err)
	}

	switch len(settings) {
	case 0:
		return BarcodeSetting{}, nil // zero value disables the digit checks
	case 1:
		return settings[0], nil
	default:
		return BarcodeSetting{}, ErrDataDuplicated
	}
}
