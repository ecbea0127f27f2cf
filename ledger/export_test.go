package ledger

// CorruptBalance overwrites a materialized balance without a transaction.
func (s *MemoryStore) CorruptBalance(identity string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[identity] = balance
}
