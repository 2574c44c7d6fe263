package mm

const (
	// PageShift is log2(PageSize). Shifting a physical address right by
	// PageShift yields its frame number.
	PageShift = uintptr(12)

	// PageSize is the size of a physical frame and of a virtual page.
	PageSize = uintptr(1 << PageShift)
)
