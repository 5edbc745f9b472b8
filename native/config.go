package native

// Config configures a module instance. A nil *Config selects the defaults.
type Config struct {
	// MemoryLimitPages caps linear memory growth in 64 KiB pages.
	// 0 allows the whole 32-bit address space.
	MemoryLimitPages uint32

	// InitialPages is the starting memory size. 0 selects DefaultInitialPages.
	InitialPages uint32

	// TableLimit caps the number of call table slots. 0 leaves it unbounded.
	TableLimit uint32
}

// DefaultInitialPages is the memory size of a fresh instance.
const DefaultInitialPages = 2

func (c *Config) initialPages() uint32 {
	if c == nil || c.InitialPages == 0 {
		return DefaultInitialPages
	}
	return c.InitialPages
}

func (c *Config) memoryLimit() uint32 {
	if c == nil {
		return 0
	}
	return c.MemoryLimitPages
}

func (c *Config) tableLimit() uint32 {
	if c == nil {
		return 0
	}
	return c.TableLimit
}
