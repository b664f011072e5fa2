package reducer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/shrinkd/shrinkd/internal/store"
)

// writeFakeReducer writes a shell script implementing the reducer
// protocol: it emits candidates named "out1", "out2", ... one per
// request line, the i-th being i bytes of 'x' (so smaller than any seed
// longer than steps bytes), then signals exhaustion.
func writeFakeReducer(t *testing.T, dir string, steps int) string {
	t.Helper()
	script := `#!/bin/sh
seed="$1"
i=0
while read -r _line; do
  i=$((i+1))
  if [ "$i" -gt STEPS ]; then
    echo ""
    exit 0
  fi
  content=$(head -c $((i)) /dev/zero | tr '\0' 'x')
  printf '%s' "$content" > "out$i"
  echo "out$i"
done
`
	script = strings.ReplaceAll(script, "STEPS", strconv.Itoa(steps))
	path := filepath.Join(dir, "fake-reducer.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake reducer: %v", err)
	}
	return path
}

func TestInstanceProducesSmallerCandidatesThenExhausts(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "store"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}

	seedPath := filepath.Join(root, "seed")
	if err := os.WriteFile(seedPath, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	seed, err := st.Intern(seedPath, "initial")
	if err != nil {
		t.Fatalf("intern seed: %v", err)
	}

	scriptDir := t.TempDir()
	scriptPath := writeFakeReducer(t, scriptDir, 3)

	ctx := context.Background()
	inst, err := Start(ctx, "fake", scriptPath, seed, st.Path(seed), t.TempDir(), st, 0)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer func() { _ = inst.Close() }()

	var got []int64
	for {
		tc, ok, err := inst.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if !ok {
			break
		}
		if tc.Size >= seed.Size {
			t.Errorf("candidate size %d not strictly smaller than seed %d", tc.Size, seed.Size)
		}
		got = append(got, tc.Size)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	if !inst.Exhausted() {
		t.Errorf("expected instance to report exhausted")
	}
}
