package offthread

import "testing"

func TestCacheEvictsInInsertionOrder(t *testing.T) {
	c := NewCache(2)
	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("c", "3")

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected oldest entry a to be evicted")
	}
	if v, ok := c.Get("b"); !ok || v != "2" {
		t.Fatalf("expected b to survive, got %q ok=%v", v, ok)
	}
	if v, ok := c.Get("c"); !ok || v != "3" {
		t.Fatalf("expected c to survive, got %q ok=%v", v, ok)
	}
}

func TestCacheOverwriteKeepsPosition(t *testing.T) {
	c := NewCache(2)
	c.Put("a", "1")
	c.Put("b", "2")
	// 覆盖不刷新插入位置：a 仍是最旧条目。
	c.Put("a", "1x")
	c.Put("c", "3")

	if _, ok := c.Get("a"); ok {
		t.Fatalf("overwrite must not refresh position; a should be evicted")
	}
	if v, _ := c.Get("b"); v != "2" {
		t.Fatalf("expected b to survive, got %q", v)
	}
}

func TestCacheHitDoesNotRefreshPosition(t *testing.T) {
	c := NewCache(2)
	c.Put("a", "1")
	c.Put("b", "2")
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected hit for a")
	}
	c.Put("c", "3")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("hit must not refresh position; a should be evicted")
	}
}

func TestCacheClear(t *testing.T) {
	c := NewCache(4)
	c.Put("a", "1")
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
}
