package hub

// JSON shapes of the hub HTTP API. Hashes and addresses are 0x-prefixed hex,
// signatures are base64, timestamps are seconds since the Farcaster epoch.

type infoResponse struct {
	Version   string `json:"version"`
	IsSyncing bool   `json:"isSyncing"`
	Nickname  string `json:"nickname"`
}

type fidsResponse struct {
	Fids          []int64 `json:"fids"`
	NextPageToken string  `json:"nextPageToken"`
}

type messagesResponse struct {
	Messages      []wireMessage `json:"messages"`
	NextPageToken string        `json:"nextPageToken"`
}

type eventsResponse struct {
	NextPageEventID int64       `json:"nextPageEventId"`
	Events          []wireEvent `json:"events"`
}

type wireEvent struct {
	Type              string           `json:"type"`
	ID                int64            `json:"id"`
	MergeMessageBody  *wireMergeBody   `json:"mergeMessageBody,omitempty"`
	PruneMessageBody  *wireMessageBody `json:"pruneMessageBody,omitempty"`
	RevokeMessageBody *wireMessageBody `json:"revokeMessageBody,omitempty"`
}

type wireMergeBody struct {
	Message         *wireMessage  `json:"message"`
	DeletedMessages []wireMessage `json:"deletedMessages"`
}

type wireMessageBody struct {
	Message *wireMessage `json:"message"`
}

type wireMessage struct {
	Data      *wireData `json:"data"`
	Hash      string    `json:"hash"`
	Signature string    `json:"signature"`
	Signer    string    `json:"signer"`
}

type wireData struct {
	Type      string `json:"type"`
	Fid       int64  `json:"fid"`
	Timestamp int64  `json:"timestamp"`
	Network   string `json:"network"`

	CastAddBody                   *wireCastAdd         `json:"castAddBody,omitempty"`
	CastRemoveBody                *wireCastRemove      `json:"castRemoveBody,omitempty"`
	ReactionBody                  *wireReaction        `json:"reactionBody,omitempty"`
	LinkBody                      *wireLink            `json:"linkBody,omitempty"`
	VerificationAddAddressBody    *wireVerificationAdd `json:"verificationAddAddressBody,omitempty"`
	VerificationAddEthAddressBody *wireVerificationAdd `json:"verificationAddEthAddressBody,omitempty"`
	VerificationRemoveBody        *wireVerificationRem `json:"verificationRemoveBody,omitempty"`
	UserDataBody                  *wireUserData        `json:"userDataBody,omitempty"`
}

type wireCastID struct {
	Fid  int64  `json:"fid"`
	Hash string `json:"hash"`
}

type wireEmbed struct {
	URL    string      `json:"url,omitempty"`
	CastID *wireCastID `json:"castId,omitempty"`
}

type wireCastAdd struct {
	Text              string      `json:"text"`
	Mentions          []int64     `json:"mentions"`
	MentionsPositions []int64     `json:"mentionsPositions"`
	Embeds            []wireEmbed `json:"embeds"`
	EmbedsDeprecated  []string    `json:"embedsDeprecated"`
	ParentCastID      *wireCastID `json:"parentCastId,omitempty"`
	ParentURL         string      `json:"parentUrl,omitempty"`
}

type wireCastRemove struct {
	TargetHash string `json:"targetHash"`
}

type wireReaction struct {
	Type         string      `json:"type"`
	TargetCastID *wireCastID `json:"targetCastId,omitempty"`
	TargetURL    string      `json:"targetUrl,omitempty"`
}

type wireLink struct {
	Type             string `json:"type"`
	TargetFid        int64  `json:"targetFid"`
	DisplayTimestamp *int64 `json:"displayTimestamp,omitempty"`
}

type wireVerificationAdd struct {
	Address        string `json:"address"`
	ClaimSignature string `json:"claimSignature"`
	EthSignature   string `json:"ethSignature"`
	BlockHash      string `json:"blockHash"`
}

type wireVerificationRem struct {
	Address string `json:"address"`
}

type wireUserData struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}
