package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransliterate(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"alice", "alice"},
		{"Иван Петров", "Ivan_Petrov"},
		{"Щука-Юля", "Schuka_Yulya"},
		{"  a..b  ", "a_b"},
		{"Объём!", "Obem"},
		{"john_doe", "john_doe"},
		{"__x__", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Transliterate(tt.in))
		})
	}
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "Ivan_Petrov", SafeName("42", "Иван", "Петров"))
	assert.Equal(t, "Ivan", SafeName("42", "Иван", ""))
	assert.Equal(t, "user42", SafeName("42", "!!!", ""))
	assert.Equal(t, "unknown_user", SafeName(""))

	long := SafeName("1", "Александр", "Константинопольский")
	assert.LessOrEqual(t, len(long), 30)
	assert.Equal(t, "Aleksandr_Konstantinopolskiy", long)

	capped := SafeName("1", "abcdefghijklmnopqrstuvwxyz", "abcdefghij")
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz_abc", capped)
}
