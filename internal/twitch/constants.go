package twitch

const (
	PubSubURL      = "wss://pubsub-edge.twitch.tv/v1"
	GQLURL         = "https://gql.twitch.tv/gql"
	OAuthDeviceURL = "https://id.twitch.tv/oauth2/device"
	OAuthTokenURL  = "https://id.twitch.tv/oauth2/token"
	ValidateURL    = "https://id.twitch.tv/oauth2/validate"
	ActivateURL    = "https://www.twitch.tv/activate"

	// ClientID is the Android TV client id. The TV client is exempt from
	// integrity checks and its persisted queries are stable.
	ClientID = "ue6666qo983tsx6so1t0vnawi233wa"

	OAuthScopes = "channel_read chat:read user_blocks_edit user_blocks_read user_follows_edit user_read"

	UserAgent = "Mozilla/5.0 (Linux; Android 7.1; Smart Box C1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
)

// GQLOperation is a persisted GraphQL query reference.
type GQLOperation struct {
	OperationName string
	SHA256Hash    string
}

var (
	OpClaimCommunityPoints = GQLOperation{
		OperationName: "ClaimCommunityPoints",
		SHA256Hash:    "46aaeebe02c99afdf4fc97c7c0cba964124bf6b0af229395f1f6d1feed05b3d0",
	}
	OpGetIDFromLogin = GQLOperation{
		OperationName: "GetIDFromLogin",
		SHA256Hash:    "94e82a7b1e3c21e186daa73ee2afc4b8f23bade1fbbff6fe8ac133f50a2f58ca",
	}
	OpChannelPointsContext = GQLOperation{
		OperationName: "ChannelPointsContext",
		SHA256Hash:    "1530a003a7d374b0380b79db0be0534f30ff46e61cffa2bc0e2468a909fbc024",
	}
	OpStreamInfo = GQLOperation{
		OperationName: "VideoPlayerStreamInfoOverlayChannel",
		SHA256Hash:    "a5f2e34d626a9f4f5c0204f910bab2194948a9502089be558bb6e779a9e1b3d2",
	}
	OpPlaybackAccessToken = GQLOperation{
		OperationName: "PlaybackAccessToken",
		SHA256Hash:    "0828119ded1c13477966434e15800ff57ddacf13ba1911c129dc2200705b0712",
	}
)

// PubSub topic families.
const (
	TopicCommunityPointsUser = "community-points-user-v1"
	TopicVideoPlaybackByID   = "video-playback-by-id"
)

// Inner message types on the community points topic.
const (
	MessageClaimAvailable = "claim-available"
	MessagePointsEarned   = "points-earned"
)

// Inner message types on the video playback topic.
const (
	MessageStreamUp   = "stream-up"
	MessageStreamDown = "stream-down"
	MessageViewcount  = "viewcount"
)
