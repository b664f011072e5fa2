package testrig

import "fmt"

// GrepPredicate returns a predicate script body that is interesting
// exactly when the candidate file contains word.
func GrepPredicate(word string) string {
	return fmt.Sprintf("grep -q %q \"$1\"\n", word)
}

// SleepPredicate returns a predicate script body that sleeps for
// seconds before reporting interesting, for exercising --timeout.
func SleepPredicate(seconds string) string {
	return fmt.Sprintf("sleep %s\nexit 0\n", seconds)
}

// TailTrimReducer trims its seed by one more byte from the tail on each
// request, down to nothing, then signals exhaustion.
const TailTrimReducer = `
seed="$1"
content=$(cat "$seed")
len=${#content}
i=0
while read -r _line; do
  i=$((i+1))
  newlen=$((len-i))
  if [ "$newlen" -lt 1 ]; then
    echo ""
    exit 0
  fi
  printf '%s' "$content" | head -c "$newlen" > "out$i"
  echo "out$i"
done
`

// NonShrinkingReducer always reports a candidate the same size as its
// seed, violating the strictly-smaller invariant — used to exercise
// ReducerMisbehavior handling.
const NonShrinkingReducer = `
seed="$1"
while read -r _line; do
  cp "$seed" out
  echo "out"
  exit 0
done
`

// CrashPredicate returns a predicate script body that exits non-zero
// immediately, for exercising the "any non-zero exit = uninteresting"
// contract.
func CrashPredicate() string {
	return "exit 1\n"
}
