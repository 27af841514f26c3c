package storage_test

import "testing"

type suite struct{}

func (s *suite) TestMethod(t *testing.T) {}

func TestSnapshotExternal(t *testing.T) {
	t.Log("external")
}
