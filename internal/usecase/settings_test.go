package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"

	"broker-relay/internal/integrations/paramstore"
)

func TestNewSettings_Validation(t *testing.T) {
	_, err := NewSettings(nil, testPrefix)
	require.ErrorContains(t, err, "nil")
	_, err = NewSettings(newParams(""), " / ")
	require.ErrorContains(t, err, "prefix")
}

func TestSettings_LoadedOnce(t *testing.T) {
	p := newParams("s3cret")
	s, err := NewSettings(p, testPrefix+"/")
	require.NoError(t, err)

	id, err := s.GroupID(context.Background())
	require.NoError(t, err)
	require.Equal(t, testGroupID, id)

	secret, err := s.WebhookSecret(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s3cret", secret)
	require.Equal(t, 1, p.calls)
}

func TestSettings_SecretOptional(t *testing.T) {
	s, err := NewSettings(newParams(""), testPrefix)
	require.NoError(t, err)
	secret, err := s.WebhookSecret(context.Background())
	require.NoError(t, err)
	require.Empty(t, secret)
}

func TestSettings_InvalidGroupID(t *testing.T) {
	for _, raw := range []string{"not-a-number", "0", ""} {
		p := &mockParams{vals: map[string]string{testPrefix + "/telegram/group_id": raw}}
		s, err := NewSettings(p, testPrefix)
		require.NoError(t, err)
		_, err = s.GroupID(context.Background())
		require.ErrorContains(t, err, "invalid group id", "raw=%q", raw)
	}
}

func TestSettings_MissingGroupID(t *testing.T) {
	s, err := NewSettings(&mockParams{vals: map[string]string{}}, testPrefix)
	require.NoError(t, err)
	_, err = s.GroupID(context.Background())
	require.ErrorContains(t, err, "load group id")
}

// fakeSSM answers GetParameter from a map and reports other names the way SSM
// does.
type fakeSSM map[string]string

func (f fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f[aws.ToString(in.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String("not found")}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func TestSettings_ParamStoreClient(t *testing.T) {
	client, err := paramstore.New(fakeSSM{testPrefix + "/telegram/group_id": fmt.Sprint(testGroupID)})
	require.NoError(t, err)
	s, err := NewSettings(client, testPrefix)
	require.NoError(t, err)

	id, err := s.GroupID(context.Background())
	require.NoError(t, err)
	require.Equal(t, testGroupID, id)

	secret, err := s.WebhookSecret(context.Background())
	require.NoError(t, err)
	require.Empty(t, secret, "absent secret parameter disables the check")
}
