package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cartograph/pkg/resource"
)

func tagged(tags map[string]string) resource.Resource {
	r := resource.New(resource.ServiceEC2, "us-east-1", "arn:aws:ec2:us-east-1:1:instance/i-123", "web")
	for k, v := range tags {
		r.Tags[k] = v
	}
	return r
}

func TestMatches_NoFilters(t *testing.T) {
	f := New(nil, nil)
	assert.True(t, f.Matches(tagged(map[string]string{"env": "prod"})))
	assert.True(t, f.IsEmpty())
}

func TestMatches_NilFilter(t *testing.T) {
	var f *Filter
	assert.True(t, f.Matches(tagged(nil)))
	assert.True(t, f.IsEmpty())
}

func TestMatches_IncludeTags_Match(t *testing.T) {
	f := New(map[string]string{"env": "prod"}, nil)
	assert.True(t, f.Matches(tagged(map[string]string{"env": "prod", "team": "platform"})))
}

func TestMatches_IncludeTags_NoMatch(t *testing.T) {
	f := New(map[string]string{"env": "prod"}, nil)
	assert.False(t, f.Matches(tagged(map[string]string{"env": "dev"})))
	assert.False(t, f.Matches(tagged(nil)))
}

func TestMatches_IncludeTags_AllMustMatch(t *testing.T) {
	f := New(map[string]string{"env": "prod", "team": "platform"}, nil)
	assert.True(t, f.Matches(tagged(map[string]string{"env": "prod", "team": "platform"})))
	assert.False(t, f.Matches(tagged(map[string]string{"env": "prod"})))
}

func TestMatches_ExcludeTags(t *testing.T) {
	f := New(nil, map[string]string{"ephemeral": "true"})
	assert.False(t, f.Matches(tagged(map[string]string{"ephemeral": "true"})))
	assert.True(t, f.Matches(tagged(map[string]string{"ephemeral": "false"})))
	assert.True(t, f.Matches(tagged(nil)))
}

func TestMatches_EmptyValueRequiresPresence(t *testing.T) {
	f := New(map[string]string{"owner": ""}, nil)
	assert.True(t, f.Matches(tagged(map[string]string{"owner": ""})))
	assert.False(t, f.Matches(tagged(nil)))
}

func TestApply(t *testing.T) {
	f := New(map[string]string{"env": "prod"}, map[string]string{"skip": "yes"})
	resources := []resource.Resource{
		tagged(map[string]string{"env": "prod"}),
		tagged(map[string]string{"env": "dev"}),
		tagged(map[string]string{"env": "prod", "skip": "yes"}),
	}

	out := f.Apply(resources)

	require.Len(t, out, 1)
	assert.Equal(t, "prod", out[0].Tags["env"])
	assert.Len(t, New(nil, nil).Apply(resources), 3)
}

func TestParse(t *testing.T) {
	f, err := Parse([]string{"env=prod,team = platform"}, []string{"owner"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"env": "prod", "team": "platform"}, f.includeTags)
	assert.Equal(t, map[string]string{"owner": ""}, f.excludeTags)
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(nil, []string{" , "})
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())
}

func TestParse_EmptyKey(t *testing.T) {
	_, err := Parse([]string{"=prod"}, nil)
	assert.Error(t, err)
}
