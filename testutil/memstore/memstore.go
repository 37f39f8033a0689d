// Package memstore provides an in-memory implementation of the
// lending.Store contract for tests and demos. Failures can be injected per
// operation to exercise the protocol's partial-failure paths.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/bibliocirc/lending-engine-go/lending"
)

// Operation names accepted by FailWith.
const (
	OpSearchUsers        = "search_users"
	OpUpdateUser         = "update_user"
	OpSearchBooks        = "search_books"
	OpUpdateBook         = "update_book"
	OpUpsertTransaction  = "upsert_transaction"
	OpSearchTransactions = "search_transactions"
	OpMaxTransactionID   = "max_transaction_id"
)

type tenantData struct {
	users        map[uint32]lending.User
	books        map[uint32]lending.Book
	transactions map[uint32]lending.TransactionItem
	rental       []lending.RentalSetting
	barcode      []lending.BarcodeSetting
}

// Store is an in-memory lending.Store. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	tenants map[string]*tenantData
	fail    map[string]error
}

var _ lending.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		tenants: make(map[string]*tenantData),
		fail:    make(map[string]error),
	}
}

// FailWith makes every subsequent call of the named operation return err,
// until ClearFailures is called.
func (s *Store) FailWith(operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fail[operation] = err
}

// ClearFailures removes all injected failures.
func (s *Store) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fail = make(map[string]error)
}

func (s *Store) injected(operation string) error {
	return s.fail[operation]
}

func (s *Store) tenant(name string) *tenantData {
	data, ok := s.tenants[name]
	if !ok {
		data = &tenantData{
			users:        make(map[uint32]lending.User),
			books:        make(map[uint32]lending.Book),
			transactions: make(map[uint32]lending.TransactionItem),
		}
		s.tenants[name] = data
	}

	return data
}

func (s *Store) SearchUsers(_ context.Context, tenant string, query lending.UserQuery) ([]lending.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpSearchUsers); err != nil {
		return nil, err
	}

	data := s.tenant(tenant)
	users := make([]lending.User, 0, len(data.users))
	for _, user := range data.users {
		if query.ID == 0 || user.ID == query.ID {
			users = append(users, cloneUser(user))
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	return users, nil
}

func (s *Store) InsertUser(_ context.Context, tenant string, user *lending.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tenant(tenant).users[user.ID] = cloneUser(*user)

	return nil
}

func (s *Store) UpdateUser(_ context.Context, tenant string, user *lending.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpUpdateUser); err != nil {
		return err
	}

	s.tenant(tenant).users[user.ID] = cloneUser(*user)

	return nil
}

func (s *Store) DeleteUser(_ context.Context, tenant string, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tenant(tenant).users, id)

	return nil
}

func (s *Store) SearchBooks(_ context.Context, tenant string, query lending.BookQuery) ([]lending.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpSearchBooks); err != nil {
		return nil, err
	}

	data := s.tenant(tenant)
	books := make([]lending.Book, 0, len(data.books))
	for _, book := range data.books {
		if query.ID == 0 || book.ID == query.ID {
			books = append(books, book)
		}
	}
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })

	return books, nil
}

func (s *Store) InsertBook(_ context.Context, tenant string, book *lending.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tenant(tenant).books[book.ID] = *book

	return nil
}

func (s *Store) UpdateBook(_ context.Context, tenant string, book *lending.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpUpdateBook); err != nil {
		return err
	}

	s.tenant(tenant).books[book.ID] = *book

	return nil
}

func (s *Store) DeleteBook(_ context.Context, tenant string, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tenant(tenant).books, id)

	return nil
}

func (s *Store) UpsertTransaction(_ context.Context, tenant string, item *lending.TransactionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpUpsertTransaction); err != nil {
		return err
	}

	s.tenant(tenant).transactions[item.ID] = *item

	return nil
}

func (s *Store) SearchTransactions(_ context.Context, tenant string, query lending.TransactionQuery) ([]lending.TransactionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpSearchTransactions); err != nil {
		return nil, err
	}

	data := s.tenant(tenant)
	items := make([]lending.TransactionItem, 0, len(data.transactions))
	for _, item := range data.transactions {
		if query.ID != 0 && item.ID != query.ID {
			continue
		}
		if query.UserID != 0 && item.UserID != query.UserID {
			continue
		}
		if query.BookID != 0 && item.BookID != query.BookID {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return items, nil
}

func (s *Store) MaxTransactionID(_ context.Context, tenant string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpMaxTransactionID); err != nil {
		return 0, err
	}

	maxID := uint32(0)
	for id := range s.tenant(tenant).transactions {
		if id > maxID {
			maxID = id
		}
	}

	return maxID, nil
}

func (s *Store) SearchRentalSettings(_ context.Context, tenant string) ([]lending.RentalSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]lending.RentalSetting(nil), s.tenant(tenant).rental...), nil
}

func (s *Store) InsertRentalSetting(_ context.Context, tenant string, setting *lending.RentalSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.tenant(tenant)
	data.rental = append(data.rental, *setting)

	return nil
}

func (s *Store) SearchBarcodeSettings(_ context.Context, tenant string) ([]lending.BarcodeSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]lending.BarcodeSetting(nil), s.tenant(tenant).barcode...), nil
}

func (s *Store) InsertBarcodeSetting(_ context.Context, tenant string, setting *lending.BarcodeSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.tenant(tenant)
	data.barcode = append(data.barcode, *setting)

	return nil
}

func (s *Store) DropTenant(_ context.Context, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tenants, tenant)

	return nil
}

// cloneUser deep-copies the loans slice so callers cannot alias stored state.
func cloneUser(user lending.User) lending.User {
	user.BorrowedBooks = append([]lending.BorrowedBook(nil), user.BorrowedBooks...)
	return user
}
