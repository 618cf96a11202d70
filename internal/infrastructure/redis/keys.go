package redis

import "fmt"

const (
	queueKeyPrefix = "bid_queue:"
	metaKeyPrefix  = "bid_meta:"
	activeQueues   = "bid_queues:active"
	deadLetters    = "bid_queues:dead"
	lockKeyPrefix  = "auction:lock:"
	channelPrefix  = "auction:"
	cacheKeyPrefix = "cache:"
)

func queueKey(auctionID string) string { return queueKeyPrefix + auctionID }

func metaKey(requestID string) string { return metaKeyPrefix + requestID }

func lockKey(auctionID string) string { return lockKeyPrefix + auctionID }

// ChannelName is the pub/sub channel carrying events for one auction.
func ChannelName(auctionID string) string { return channelPrefix + auctionID }

func cacheKey(prefix, id string) string { return fmt.Sprintf("%s%s:%s", cacheKeyPrefix, prefix, id) }

func generationKey(prefix, id string) string {
	return fmt.Sprintf("%s%s:gen:%s", cacheKeyPrefix, prefix, id)
}

func recentBidsKey(auctionID string) string {
	return fmt.Sprintf("%sauction_bids:%s", cacheKeyPrefix, auctionID)
}
