// Package wasmtest provides hand-assembled guest modules for tests.
package wasmtest

// Hand-assembled guest modules. Each exports malloc (always returns 1024),
// free (no-op), memory (one page) and tool_execute(ptr, len).

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// exportsFrom emits the export section for malloc, free, memory and
// tool_execute, whose function indices start at base.
func exportsFrom(base byte) []byte {
	return []byte{
		0x07, 0x29, 0x04,
		0x06, 'm', 'a', 'l', 'l', 'o', 'c', 0x00, base,
		0x04, 'f', 'r', 'e', 'e', 0x00, base + 1,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		0x0c, 't', 'o', 'o', 'l', '_', 'e', 'x', 'e', 'c', 'u', 't', 'e', 0x00, base + 2,
	}
}

func assemble(sections ...[]byte) []byte {
	out := append([]byte{}, header...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

var (
	mallocFreeTypes = []byte{0x01, 0x0b, 0x02, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x00}
	threeFuncs      = []byte{0x03, 0x04, 0x03, 0x00, 0x01, 0x01}
	oneMemory       = []byte{0x05, 0x03, 0x01, 0x00, 0x01}
)

// Loop spins forever inside tool_execute.
func Loop() []byte {
	return assemble(
		mallocFreeTypes,
		threeFuncs,
		oneMemory,
		exportsFrom(0),
		[]byte{0x0a, 0x12, 0x03,
			0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
			0x02, 0x00, 0x0b,
			0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
		},
	)
}

// Result reports "hello" through tool_result.
func Result() []byte {
	return assemble(
		mallocFreeTypes,
		[]byte{0x02, 0x18, 0x01,
			0x08, 's', 'w', 'a', 'r', 'm', '_', 'v', '1',
			0x0b, 't', 'o', 'o', 'l', '_', 'r', 'e', 's', 'u', 'l', 't', 0x00, 0x01,
		},
		threeFuncs,
		oneMemory,
		exportsFrom(1),
		[]byte{0x0a, 0x13, 0x03,
			0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
			0x02, 0x00, 0x0b,
			0x08, 0x00, 0x41, 0x10, 0x41, 0x05, 0x10, 0x00, 0x0b,
		},
		[]byte{0x0b, 0x0b, 0x01, 0x00, 0x41, 0x10, 0x0b, 0x05, 'h', 'e', 'l', 'l', 'o'},
	)
}

// Write calls fs_write("a.txt", "hi").
func Write() []byte {
	return assemble(
		[]byte{0x01, 0x13, 0x03,
			0x60, 0x01, 0x7f, 0x01, 0x7f,
			0x60, 0x02, 0x7f, 0x7f, 0x00,
			0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
		},
		[]byte{0x02, 0x15, 0x01,
			0x08, 's', 'w', 'a', 'r', 'm', '_', 'v', '1',
			0x08, 'f', 's', '_', 'w', 'r', 'i', 't', 'e', 0x00, 0x02,
		},
		threeFuncs,
		oneMemory,
		exportsFrom(1),
		[]byte{0x0a, 0x18, 0x03,
			0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
			0x02, 0x00, 0x0b,
			0x0d, 0x00, 0x41, 0x10, 0x41, 0x05, 0x41, 0x20, 0x41, 0x02, 0x10, 0x00, 0x1a, 0x0b,
		},
		[]byte{0x0b, 0x12, 0x02,
			0x00, 0x41, 0x10, 0x0b, 0x05, 'a', '.', 't', 'x', 't',
			0x00, 0x41, 0x20, 0x0b, 0x02, 'h', 'i',
		},
	)
}
