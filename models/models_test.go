package models

import (
	"encoding/json"
	"testing"

	"evoting-tally/postproc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBigInt_DecodesNumbersAndStrings(t *testing.T) {
	var cts []Ciphertext
	body := `[{"a": 123456789012345678901234567890, "b": "42"}]`

	require.NoError(t, json.Unmarshal([]byte(body), &cts))
	require.Len(t, cts, 1)
	assert.Equal(t, "123456789012345678901234567890", cts[0].A.String())
	assert.Equal(t, "42", cts[0].B.String())
}

func TestBigInt_RejectsGarbage(t *testing.T) {
	var b BigInt
	assert.Error(t, json.Unmarshal([]byte(`"12ab"`), &b))
	assert.Error(t, json.Unmarshal([]byte(`null`), &b))
}

func TestCipherPair_EncodesAsArray(t *testing.T) {
	a, err := ParseBigInt("98765432109876543210")
	require.NoError(t, err)
	pairs := Pairs([]Ciphertext{{A: a, B: NewBigInt(7)}})

	data, err := json.Marshal(map[string]any{"msgs": pairs})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msgs": [[98765432109876543210, 7]]}`, string(data))
}

func TestVoting_CountVotes(t *testing.T) {
	v := Voting{
		Question: Question{Options: []QuestionOption{
			{Number: 2, Option: "option 1"},
			{Number: 3, Option: "option 2"},
			{Number: 4, Option: "option 3"},
		}},
		Tally: []int64{2, 3, 2, 9, 2},
	}

	opts := v.CountVotes()

	require.Len(t, opts, 3)
	assert.Equal(t, int64(3), opts[0].Votes)
	assert.Equal(t, int64(1), opts[1].Votes)
	assert.Equal(t, int64(0), opts[2].Votes)
	assert.Equal(t, "option 1", opts[0].Option)
}

func TestVoting_CountVotesWithoutTally(t *testing.T) {
	v := Voting{Question: Question{Options: []QuestionOption{{Number: 1, Option: "Yes"}}}}

	opts := v.CountVotes()

	assert.Equal(t, int64(0), opts[0].Votes)
}

func TestVoting_PrimaryAuthIsFirstRegistered(t *testing.T) {
	v := Voting{Auths: []Auth{{Name: "second"}, {Name: "first"}}}
	v.Auths[0].ID = 9
	v.Auths[1].ID = 3

	auth, ok := v.PrimaryAuth()

	require.True(t, ok)
	assert.Equal(t, "first", auth.Name)

	_, ok = (&Voting{}).PrimaryAuth()
	assert.False(t, ok)
}

func TestVoting_BeforeSaveGate(t *testing.T) {
	v := &Voting{VotingType: postproc.MultipleChoice, PostProcMethod: postproc.MethodDroop}
	err := v.BeforeSave(nil)
	require.Error(t, err)
	assert.Equal(t, postproc.IncompatibleMethodMessage, err.Error())

	v = &Voting{}
	require.NoError(t, v.BeforeSave(nil))
	assert.Equal(t, postproc.SingleChoice, v.VotingType)
	assert.Equal(t, postproc.MethodNone, v.PostProcMethod)
	assert.Equal(t, StateOpen, v.TallyState)
}

func TestVoting_ResultsOnlyWhenPostProcessed(t *testing.T) {
	v := Voting{TallyState: StateTallied}
	_, ok := v.Results()
	assert.False(t, ok)
}
