package secret

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueResolve(t *testing.T) {
	ctx := context.Background()
	resolver := StaticResolver{
		"OPENAI_API_KEY": "sk-test-123",
		"DB_CREDS":       `{"username":"app","password":"hunter2"}`,
	}

	tests := []struct {
		name    string
		value   Value
		want    string
		wantErr bool
	}{
		{name: "literal passes through", value: FromLiteral("inline-key"), want: "inline-key"},
		{name: "ref resolves", value: FromRef("OPENAI_API_KEY", ""), want: "sk-test-123"},
		{name: "ref with key selects field", value: FromRef("DB_CREDS", "password"), want: "hunter2"},
		{name: "ref with missing key errors", value: FromRef("DB_CREDS", "token"), wantErr: true},
		{name: "key against non-object errors", value: FromRef("OPENAI_API_KEY", "password"), wantErr: true},
		{name: "missing ref errors", value: FromRef("MISSING", ""), wantErr: true},
		{name: "zero value resolves empty", value: Value{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.value.Resolve(ctx, resolver)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValueMasksOnPrint(t *testing.T) {
	assert.Equal(t, "***", FromLiteral("sk-very-secret").String())
	assert.Equal(t, "secret(API_KEY)", FromRef("API_KEY", "").String())

	data, err := FromLiteral("sk-very-secret").MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-very-secret")
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("QTYPE_TEST_SECRET", "from-env")

	got, err := EnvResolver{}.Resolve(context.Background(), "QTYPE_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	_, err = EnvResolver{}.Resolve(context.Background(), "QTYPE_TEST_SECRET_MISSING")
	assert.Error(t, err)
}

func TestRefWithoutResolver(t *testing.T) {
	_, err := FromRef("KEY", "").Resolve(context.Background(), nil)
	assert.Error(t, err)
}
