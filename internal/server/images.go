// SPDX-License-Identifier: MPL-2.0

package server

import "sync"

// ImageStore holds the most recent screenshot. Writers replace the slot,
// readers get the bytes that were current when they looked.
type ImageStore struct {
	mu   sync.RWMutex
	last []byte
}

// Set replaces the stored image.
func (s *ImageStore) Set(img []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = img
}

// Last returns the stored image and whether there is one.
func (s *ImageStore) Last() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.last != nil
}
